package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

var ErrNotAuthenticated = errors.New("not authenticated")
var ErrSendFailed = errors.New("send failed")

// Message is one chat message. Exactly one instance ever exists per
// logical send: a message created locally starts with a temp key and no
// server id, and is replaced in place once the server confirms it.
type Message struct {
	Id         int64  `json:"id,omitempty"`
	TempId     string `json:"tempId,omitempty"`
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"`
	IsRead     bool   `json:"isRead"`
	ReadAt     string `json:"readAt,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

func (self *Message) IsTemp() bool {
	return self.Id == 0 && self.TempId != ""
}

// the durable chat endpoints the synchronizer layers its optimistic-merge
// logic around
type ChatApi interface {
	ChatContactsSync() ([]*ChatContact, error)
	ChatMessagesSync(userId string, limit int, offset int) ([]*Message, error)
	ChatSendSync(chatSend *ChatSendArgs) (*Message, error)
	ChatMarkReadSync(chatMarkRead *ChatMarkReadArgs) (*ChatMarkReadResult, error)
	ChatTypingSync(chatTyping *ChatTypingArgs) (*ChatTypingResult, error)
}

type ChatSettings struct {
	TypingExpireTimeout   time.Duration
	TypingThrottleTimeout time.Duration
	HistoryLimit          int
}

func DefaultChatSettings() *ChatSettings {
	return &ChatSettings{
		TypingExpireTimeout:   2 * time.Second,
		TypingThrottleTimeout: 2 * time.Second,
		HistoryLimit:          100,
	}
}

type typingState struct {
	timestamp time.Time
	expiresAt time.Time
	timer     Timer
}

// ChatSynchronizer reconciles optimistic local chat state against
// authoritative server events. Message append order within a conversation
// equals dispatcher delivery order; no independent resequencing happens
// here.
type ChatSynchronizer struct {
	session  *Session
	api      ChatApi
	clock    Clock
	settings *ChatSettings

	mutex            sync.Mutex
	conversations    map[string][]*Message
	unreadCounts     map[string]int
	contacts         []*ChatContact
	typingPeers      map[string]*typingState
	lastTypingSentAt map[string]time.Time
	focused          bool

	changeCallbacks       *CallbackList[func()]
	notificationCallbacks *CallbackList[func(message *Message)]

	unsubscribes []func()
}

func NewChatSynchronizerWithDefaults(
	session *Session,
	dispatcher *Dispatcher,
	api ChatApi,
) *ChatSynchronizer {
	return NewChatSynchronizer(session, dispatcher, api, SystemClock(), DefaultChatSettings())
}

func NewChatSynchronizer(
	session *Session,
	dispatcher *Dispatcher,
	api ChatApi,
	clock Clock,
	settings *ChatSettings,
) *ChatSynchronizer {
	chat := &ChatSynchronizer{
		session:               session,
		api:                   api,
		clock:                 clock,
		settings:              settings,
		conversations:         map[string][]*Message{},
		unreadCounts:          map[string]int{},
		typingPeers:           map[string]*typingState{},
		lastTypingSentAt:      map[string]time.Time{},
		focused:               true,
		changeCallbacks:       NewCallbackList[func()](),
		notificationCallbacks: NewCallbackList[func(message *Message)](),
	}
	chat.unsubscribes = []func(){
		dispatcher.Subscribe(EventTypePrivateMessage, chat.handlePrivateMessage),
		dispatcher.Subscribe(EventTypeMessagesRead, chat.handleMessagesRead),
		dispatcher.Subscribe(EventTypeUserTyping, chat.handleTyping),
	}
	return chat
}

func (self *ChatSynchronizer) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.mutex.Lock()
	for _, typing := range self.typingPeers {
		if typing.timer != nil {
			typing.timer.Stop()
		}
	}
	self.typingPeers = map[string]*typingState{}
	self.mutex.Unlock()
}

// LoadContacts fetches the contact list. The returned snapshot also
// carries the REST-seeded presence defaults for the presence tracker.
func (self *ChatSynchronizer) LoadContacts() ([]*ChatContact, error) {
	contacts, err := self.api.ChatContactsSync()
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.contacts = contacts
	for _, contact := range contacts {
		self.unreadCounts[contact.UserId] = contact.UnreadCount
	}
	self.mutex.Unlock()
	self.notifyChange()
	return contacts, nil
}

// LoadConversation replaces the local conversation for the peer wholesale
// with the durable history.
func (self *ChatSynchronizer) LoadConversation(peerId string) ([]*Message, error) {
	messages, err := self.api.ChatMessagesSync(peerId, self.settings.HistoryLimit, 0)
	if err != nil {
		return nil, err
	}
	unread := 0
	for _, message := range messages {
		if message.SenderId == peerId && !message.IsRead {
			unread += 1
		}
	}
	self.mutex.Lock()
	self.conversations[peerId] = messages
	self.unreadCounts[peerId] = unread
	self.mutex.Unlock()
	self.notifyChange()
	return messages, nil
}

// Send appends an optimistic temp message immediately and issues the
// durable send. On success the temp entry is replaced in place by the
// server-confirmed message; on failure it is removed and the error
// returned to the caller.
func (self *ChatSynchronizer) Send(peerId string, content string) (*Message, error) {
	selfId := self.session.UserId()
	if selfId == "" {
		return nil, ErrNotAuthenticated
	}

	temp := &Message{
		TempId:     NewId().String(),
		SenderId:   selfId,
		ReceiverId: peerId,
		Content:    content,
		CreatedAt:  self.clock.Now().Format(time.RFC3339),
	}

	self.mutex.Lock()
	self.conversations[peerId] = append(self.conversations[peerId], temp)
	self.mutex.Unlock()
	self.notifyChange()

	confirmed, err := self.api.ChatSendSync(&ChatSendArgs{
		ReceiverId: peerId,
		Content:    content,
		TempId:     temp.TempId,
	})
	if err != nil {
		// roll the optimistic entry back
		self.mutex.Lock()
		messages := self.conversations[peerId]
		i := slices.IndexFunc(messages, func(message *Message) bool {
			return message.TempId == temp.TempId
		})
		if 0 <= i {
			self.conversations[peerId] = slices.Delete(slices.Clone(messages), i, i+1)
		}
		self.mutex.Unlock()
		self.notifyChange()
		glog.Infof("[ch]send error = %s\n", err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if confirmed.TempId == "" {
		confirmed.TempId = temp.TempId
	}

	self.mutex.Lock()
	messages := self.conversations[peerId]
	i := slices.IndexFunc(messages, func(message *Message) bool {
		return message.TempId == temp.TempId
	})
	if 0 <= i {
		// replace in place, preserving position
		messages[i] = confirmed
	}
	// if the websocket echo already reconciled the temp entry, there is
	// nothing to replace
	self.mutex.Unlock()
	self.notifyChange()
	return confirmed, nil
}

func (self *ChatSynchronizer) handlePrivateMessage(payload json.RawMessage) {
	var messagePayload PrivateMessagePayload
	if err := json.Unmarshal(payload, &messagePayload); err != nil {
		glog.Infof("[ch]malformed message payload = %s\n", err)
		return
	}

	selfId := self.session.UserId()
	peerId := messagePayload.SenderId
	if selfId == messagePayload.SenderId {
		peerId = messagePayload.ReceiverId
	}

	message := &Message{
		Id:         messagePayload.MessageId,
		TempId:     messagePayload.TempId,
		SenderId:   messagePayload.SenderId,
		ReceiverId: messagePayload.ReceiverId,
		Content:    messagePayload.Content,
		CreatedAt:  messagePayload.CreatedAt,
		IsRead:     messagePayload.IsRead,
		SenderName: messagePayload.SenderName,
	}

	var notifyMessage *Message

	self.mutex.Lock()
	messages := self.conversations[peerId]

	if messagePayload.MessageId != 0 {
		i := slices.IndexFunc(messages, func(existing *Message) bool {
			return existing.Id == messagePayload.MessageId
		})
		if 0 <= i {
			// already confirmed by the request path
			self.mutex.Unlock()
			return
		}
	}

	i := -1
	if messagePayload.TempId != "" {
		// exact reconciliation on the client idempotency key
		i = slices.IndexFunc(messages, func(existing *Message) bool {
			return existing.TempId == messagePayload.TempId
		})
	} else {
		// legacy echo without a key: only the oldest unconfirmed temp with
		// the same sender and content can be its origin
		i = slices.IndexFunc(messages, func(existing *Message) bool {
			return existing.IsTemp() &&
				existing.SenderId == messagePayload.SenderId &&
				existing.Content == messagePayload.Content
		})
	}
	if 0 <= i {
		message.TempId = messages[i].TempId
		messages[i] = message
	} else {
		self.conversations[peerId] = append(messages, message)
	}

	if messagePayload.ReceiverId == selfId && !messagePayload.IsRead {
		self.unreadCounts[messagePayload.SenderId] += 1
		if !self.focused {
			notifyMessage = message
		}
	}
	self.updateContactPreviewLocked(peerId, message)
	self.mutex.Unlock()

	if notifyMessage != nil {
		for _, callback := range self.notificationCallbacks.Get() {
			callback(notifyMessage)
		}
	}
	self.notifyChange()
}

// expects the mutex held
func (self *ChatSynchronizer) updateContactPreviewLocked(peerId string, message *Message) {
	i := slices.IndexFunc(self.contacts, func(contact *ChatContact) bool {
		return contact.UserId == peerId
	})
	if i < 0 {
		return
	}
	contact := self.contacts[i]
	contact.LastMessage = message.Content
	contact.LastMessageSenderId = message.SenderId
	contact.LastSent = message.CreatedAt
	contact.UnreadCount = self.unreadCounts[peerId]
}

// An inbound read event where the sender is the local user marks our own
// previously-sent messages to the counterpart as read (receipt
// propagation). Where the receiver is the local user, it zeroes the
// unread counter for the sender.
func (self *ChatSynchronizer) handleMessagesRead(payload json.RawMessage) {
	var readPayload MessagesReadPayload
	if err := json.Unmarshal(payload, &readPayload); err != nil {
		glog.Infof("[ch]malformed read payload = %s\n", err)
		return
	}

	selfId := self.session.UserId()

	self.mutex.Lock()
	if readPayload.SenderId == selfId {
		for _, message := range self.conversations[readPayload.ReceiverId] {
			if message.SenderId == selfId && !message.IsRead {
				message.IsRead = true
				message.ReadAt = readPayload.ReadAt
			}
		}
	}
	if readPayload.ReceiverId == selfId {
		self.unreadCounts[readPayload.SenderId] = 0
		self.updateContactUnreadLocked(readPayload.SenderId)
	}
	self.mutex.Unlock()
	self.notifyChange()
}

// expects the mutex held
func (self *ChatSynchronizer) updateContactUnreadLocked(peerId string) {
	i := slices.IndexFunc(self.contacts, func(contact *ChatContact) bool {
		return contact.UserId == peerId
	})
	if 0 <= i {
		self.contacts[i].UnreadCount = self.unreadCounts[peerId]
	}
}

// MarkRead zeroes the unread counter for the peer and marks all of that
// peer's inbound messages read.
func (self *ChatSynchronizer) MarkRead(peerId string) error {
	result, err := self.api.ChatMarkReadSync(&ChatMarkReadArgs{
		SenderId: peerId,
	})
	if err != nil {
		return err
	}
	readAt := result.ReadAt
	if readAt == "" {
		readAt = self.clock.Now().Format(time.RFC3339)
	}

	self.mutex.Lock()
	self.unreadCounts[peerId] = 0
	for _, message := range self.conversations[peerId] {
		if message.SenderId == peerId && !message.IsRead {
			message.IsRead = true
			message.ReadAt = readAt
		}
	}
	self.updateContactUnreadLocked(peerId)
	self.mutex.Unlock()
	self.notifyChange()
	return nil
}

// NotifyTyping emits a typing signal for the peer, suppressing repeats
// inside the throttle window to bound traffic.
func (self *ChatSynchronizer) NotifyTyping(peerId string) error {
	now := self.clock.Now()
	self.mutex.Lock()
	if lastSentAt, ok := self.lastTypingSentAt[peerId]; ok {
		if now.Sub(lastSentAt) < self.settings.TypingThrottleTimeout {
			self.mutex.Unlock()
			return nil
		}
	}
	self.lastTypingSentAt[peerId] = now
	self.mutex.Unlock()

	_, err := self.api.ChatTypingSync(&ChatTypingArgs{
		ReceiverId: peerId,
	})
	return err
}

func (self *ChatSynchronizer) handleTyping(payload json.RawMessage) {
	var typingPayload UserTypingPayload
	if err := json.Unmarshal(payload, &typingPayload); err != nil {
		glog.Infof("[ch]malformed typing payload = %s\n", err)
		return
	}

	peerId := typingPayload.SenderId
	now := self.clock.Now()

	self.mutex.Lock()
	if existing, ok := self.typingPeers[peerId]; ok && existing.timer != nil {
		// a later event supersedes the outstanding expiry
		existing.timer.Stop()
	}
	typing := &typingState{
		timestamp: now,
		expiresAt: now.Add(self.settings.TypingExpireTimeout),
	}
	typing.timer = self.clock.AfterFunc(self.settings.TypingExpireTimeout, func() {
		self.mutex.Lock()
		if self.typingPeers[peerId] == typing {
			delete(self.typingPeers, peerId)
		}
		self.mutex.Unlock()
		self.notifyChange()
	})
	self.typingPeers[peerId] = typing
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *ChatSynchronizer) IsTyping(peerId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	typing, ok := self.typingPeers[peerId]
	if !ok {
		return false
	}
	return self.clock.Now().Before(typing.expiresAt)
}

func (self *ChatSynchronizer) TypingPeers() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	now := self.clock.Now()
	peerIds := []string{}
	for peerId, typing := range self.typingPeers {
		if now.Before(typing.expiresAt) {
			peerIds = append(peerIds, peerId)
		}
	}
	return peerIds
}

func (self *ChatSynchronizer) Conversation(peerId string) []*Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.conversations[peerId])
}

func (self *ChatSynchronizer) UnreadCount(peerId string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.unreadCounts[peerId]
}

func (self *ChatSynchronizer) Contacts() []*ChatContact {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.contacts)
}

// SetFocused tracks window focus. Inbound messages that arrive while the
// window is unfocused request a desktop notification.
func (self *ChatSynchronizer) SetFocused(focused bool) {
	self.mutex.Lock()
	self.focused = focused
	self.mutex.Unlock()
}

func (self *ChatSynchronizer) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *ChatSynchronizer) AddNotificationCallback(callback func(message *Message)) func() {
	return self.notificationCallbacks.Add(callback)
}

func (self *ChatSynchronizer) notifyChange() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}
