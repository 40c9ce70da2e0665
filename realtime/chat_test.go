package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type fakeChatApi struct {
	mutex         sync.Mutex
	selfId        string
	nextMessageId int64
	sendErr       error
	echoTempId    bool
	readAt        string
	contacts      []*ChatContact
	history       map[string][]*Message
	sent          []*ChatSendArgs
	typing        []*ChatTypingArgs
}

func newFakeChatApi(selfId string) *fakeChatApi {
	return &fakeChatApi{
		selfId:     selfId,
		echoTempId: true,
		history:    map[string][]*Message{},
	}
}

func (self *fakeChatApi) ChatContactsSync() ([]*ChatContact, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.contacts, nil
}

func (self *fakeChatApi) ChatMessagesSync(userId string, limit int, offset int) ([]*Message, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.history[userId], nil
}

func (self *fakeChatApi) ChatSendSync(chatSend *ChatSendArgs) (*Message, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, chatSend)
	if self.sendErr != nil {
		return nil, self.sendErr
	}
	self.nextMessageId += 1
	message := &Message{
		Id:         self.nextMessageId,
		SenderId:   self.selfId,
		ReceiverId: chatSend.ReceiverId,
		Content:    chatSend.Content,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if self.echoTempId {
		message.TempId = chatSend.TempId
	}
	return message, nil
}

func (self *fakeChatApi) ChatMarkReadSync(chatMarkRead *ChatMarkReadArgs) (*ChatMarkReadResult, error) {
	return &ChatMarkReadResult{ReadAt: self.readAt}, nil
}

func (self *fakeChatApi) ChatTypingSync(chatTyping *ChatTypingArgs) (*ChatTypingResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.typing = append(self.typing, chatTyping)
	return &ChatTypingResult{}, nil
}

func (self *fakeChatApi) sentCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sent)
}

func (self *fakeChatApi) typingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.typing)
}

type chatTest struct {
	clock      *VirtualClock
	dispatcher *Dispatcher
	api        *fakeChatApi
	chat       *ChatSynchronizer
}

func newChatTest(selfId string) *chatTest {
	clock := NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	dispatcher := NewDispatcher()
	api := newFakeChatApi(selfId)
	chat := NewChatSynchronizer(
		testSession(selfId),
		dispatcher,
		api,
		clock,
		DefaultChatSettings(),
	)
	return &chatTest{
		clock:      clock,
		dispatcher: dispatcher,
		api:        api,
		chat:       chat,
	}
}

func (self *chatTest) dispatchMessage(payload *PrivateMessagePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	self.dispatcher.dispatch(EventTypePrivateMessage, data)
}

func (self *chatTest) dispatchRead(payload *MessagesReadPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	self.dispatcher.dispatch(EventTypeMessagesRead, data)
}

func (self *chatTest) dispatchTyping(senderId string) {
	data, err := json.Marshal(&UserTypingPayload{
		SenderId:  senderId,
		Timestamp: self.clock.Now().UnixMilli(),
	})
	if err != nil {
		panic(err)
	}
	self.dispatcher.dispatch(EventTypeUserTyping, data)
}

func TestSendConfirmsInPlace(t *testing.T) {
	ct := newChatTest("alice")
	ct.api.nextMessageId = 41

	confirmed, err := ct.chat.Send("bob", "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, confirmed.Id, int64(42))

	conversation := ct.chat.Conversation("bob")
	assert.Equal(t, len(conversation), 1)
	assert.Equal(t, conversation[0].Id, int64(42))
	assert.Equal(t, conversation[0].IsTemp(), false)

	// the websocket echo of the same send must not create a duplicate
	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  42,
		TempId:     confirmed.TempId,
		SenderId:   "alice",
		ReceiverId: "bob",
		Content:    "hello",
	})
	conversation = ct.chat.Conversation("bob")
	assert.Equal(t, len(conversation), 1)
	assert.Equal(t, conversation[0].Id, int64(42))
}

func TestSendFailureRollsBack(t *testing.T) {
	ct := newChatTest("alice")
	ct.api.sendErr = errors.New("server unavailable")

	_, err := ct.chat.Send("bob", "hello")
	assert.Equal(t, errors.Is(err, ErrSendFailed), true)
	assert.Equal(t, len(ct.chat.Conversation("bob")), 0)
}

func TestSendUnauthenticated(t *testing.T) {
	clock := NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	chat := NewChatSynchronizer(
		NewSession(),
		NewDispatcher(),
		newFakeChatApi(""),
		clock,
		DefaultChatSettings(),
	)
	_, err := chat.Send("bob", "hello")
	assert.Equal(t, errors.Is(err, ErrNotAuthenticated), true)
}

func TestSendOrderPreserved(t *testing.T) {
	ct := newChatTest("alice")

	for i := 0; i < 3; i += 1 {
		_, err := ct.chat.Send("bob", fmt.Sprintf("m%d", i))
		assert.Equal(t, err, nil)
	}

	conversation := ct.chat.Conversation("bob")
	assert.Equal(t, len(conversation), 3)
	for i, message := range conversation {
		assert.Equal(t, message.Content, fmt.Sprintf("m%d", i))
	}
}

func TestEchoReconcilesByTempId(t *testing.T) {
	ct := newChatTest("alice")

	// two in-flight sends with identical content
	tempA := &Message{TempId: NewId().String(), SenderId: "alice", ReceiverId: "bob", Content: "dup"}
	tempB := &Message{TempId: NewId().String(), SenderId: "alice", ReceiverId: "bob", Content: "dup"}
	ct.chat.mutex.Lock()
	ct.chat.conversations["bob"] = []*Message{tempA, tempB}
	ct.chat.mutex.Unlock()

	// the keyed echo targets the second temp exactly
	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  9,
		TempId:     tempB.TempId,
		SenderId:   "alice",
		ReceiverId: "bob",
		Content:    "dup",
	})

	conversation := ct.chat.Conversation("bob")
	assert.Equal(t, len(conversation), 2)
	assert.Equal(t, conversation[0].IsTemp(), true)
	assert.Equal(t, conversation[1].Id, int64(9))
	assert.Equal(t, conversation[1].TempId, tempB.TempId)
}

func TestEchoWithoutKeyReconcilesOldestTemp(t *testing.T) {
	ct := newChatTest("alice")

	tempA := &Message{TempId: NewId().String(), SenderId: "alice", ReceiverId: "bob", Content: "dup"}
	tempB := &Message{TempId: NewId().String(), SenderId: "alice", ReceiverId: "bob", Content: "dup"}
	ct.chat.mutex.Lock()
	ct.chat.conversations["bob"] = []*Message{tempA, tempB}
	ct.chat.mutex.Unlock()

	// a legacy echo without the key claims the oldest matching temp
	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  9,
		SenderId:   "alice",
		ReceiverId: "bob",
		Content:    "dup",
	})

	conversation := ct.chat.Conversation("bob")
	assert.Equal(t, len(conversation), 2)
	assert.Equal(t, conversation[0].Id, int64(9))
	assert.Equal(t, conversation[1].IsTemp(), true)
}

func TestInboundUnreadAndNotification(t *testing.T) {
	ct := newChatTest("alice")

	notifications := []*Message{}
	ct.chat.AddNotificationCallback(func(message *Message) {
		notifications = append(notifications, message)
	})

	ct.chat.SetFocused(false)
	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  1,
		SenderId:   "bob",
		ReceiverId: "alice",
		Content:    "hi",
	})
	assert.Equal(t, ct.chat.UnreadCount("bob"), 1)
	assert.Equal(t, len(notifications), 1)
	assert.Equal(t, notifications[0].Content, "hi")

	// focused inbound still counts unread but raises no notification
	ct.chat.SetFocused(true)
	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  2,
		SenderId:   "bob",
		ReceiverId: "alice",
		Content:    "there",
	})
	assert.Equal(t, ct.chat.UnreadCount("bob"), 2)
	assert.Equal(t, len(notifications), 1)
}

func TestLoadConversationRecomputesUnread(t *testing.T) {
	ct := newChatTest("alice")
	ct.api.history["bob"] = []*Message{
		{Id: 1, SenderId: "bob", ReceiverId: "alice", Content: "a", IsRead: true},
		{Id: 2, SenderId: "bob", ReceiverId: "alice", Content: "b"},
		{Id: 3, SenderId: "alice", ReceiverId: "bob", Content: "c"},
		{Id: 4, SenderId: "bob", ReceiverId: "alice", Content: "d"},
	}

	messages, err := ct.chat.LoadConversation("bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 4)
	assert.Equal(t, ct.chat.UnreadCount("bob"), 2)
}

func TestMarkRead(t *testing.T) {
	ct := newChatTest("alice")
	ct.api.readAt = "2025-01-01T00:00:10Z"
	ct.api.history["bob"] = []*Message{
		{Id: 1, SenderId: "bob", ReceiverId: "alice", Content: "a"},
		{Id: 2, SenderId: "alice", ReceiverId: "bob", Content: "b"},
	}
	ct.chat.LoadConversation("bob")
	assert.Equal(t, ct.chat.UnreadCount("bob"), 1)

	err := ct.chat.MarkRead("bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, ct.chat.UnreadCount("bob"), 0)

	conversation := ct.chat.Conversation("bob")
	assert.Equal(t, conversation[0].IsRead, true)
	assert.Equal(t, conversation[0].ReadAt, "2025-01-01T00:00:10Z")
	// own outbound messages are untouched
	assert.Equal(t, conversation[1].IsRead, false)
}

func TestReadReceiptPropagation(t *testing.T) {
	ct := newChatTest("alice")

	_, err := ct.chat.Send("bob", "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, ct.chat.Conversation("bob")[0].IsRead, false)

	// bob read our messages: the server addresses the receipt with our id
	// as sender
	ct.dispatchRead(&MessagesReadPayload{
		SenderId:   "alice",
		ReceiverId: "bob",
		ReadAt:     "2025-01-01T00:00:30Z",
	})
	conversation := ct.chat.Conversation("bob")
	assert.Equal(t, conversation[0].IsRead, true)
	assert.Equal(t, conversation[0].ReadAt, "2025-01-01T00:00:30Z")
}

func TestReadEventZeroesUnread(t *testing.T) {
	ct := newChatTest("alice")

	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  1,
		SenderId:   "bob",
		ReceiverId: "alice",
		Content:    "hi",
	})
	assert.Equal(t, ct.chat.UnreadCount("bob"), 1)

	// we read bob's messages on another tab
	ct.dispatchRead(&MessagesReadPayload{
		SenderId:   "bob",
		ReceiverId: "alice",
	})
	assert.Equal(t, ct.chat.UnreadCount("bob"), 0)
}

func TestTypingExpiry(t *testing.T) {
	ct := newChatTest("alice")

	assert.Equal(t, ct.chat.IsTyping("bob"), false)
	ct.dispatchTyping("bob")
	assert.Equal(t, ct.chat.IsTyping("bob"), true)

	ct.clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, ct.chat.IsTyping("bob"), true)
	ct.clock.Advance(2 * time.Millisecond)
	assert.Equal(t, ct.chat.IsTyping("bob"), false)
}

func TestTypingRenewal(t *testing.T) {
	ct := newChatTest("alice")

	ct.dispatchTyping("bob")
	ct.clock.Advance(1500 * time.Millisecond)
	// a fresh event restarts the expiry window
	ct.dispatchTyping("bob")
	ct.clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, ct.chat.IsTyping("bob"), true)
	ct.clock.Advance(600 * time.Millisecond)
	assert.Equal(t, ct.chat.IsTyping("bob"), false)
	assert.Equal(t, len(ct.chat.TypingPeers()), 0)
}

func TestNotifyTypingThrottle(t *testing.T) {
	ct := newChatTest("alice")

	assert.Equal(t, ct.chat.NotifyTyping("bob"), nil)
	assert.Equal(t, ct.chat.NotifyTyping("bob"), nil)
	assert.Equal(t, ct.api.typingCount(), 1)

	// a different peer has its own throttle window
	assert.Equal(t, ct.chat.NotifyTyping("carol"), nil)
	assert.Equal(t, ct.api.typingCount(), 2)

	ct.clock.Advance(2001 * time.Millisecond)
	assert.Equal(t, ct.chat.NotifyTyping("bob"), nil)
	assert.Equal(t, ct.api.typingCount(), 3)
}

func TestContactsSeedUnread(t *testing.T) {
	ct := newChatTest("alice")
	ct.api.contacts = []*ChatContact{
		{UserId: "bob", UnreadCount: 3, IsOnline: true},
		{UserId: "carol", UnreadCount: 0},
	}

	contacts, err := ct.chat.LoadContacts()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(contacts), 2)
	assert.Equal(t, ct.chat.UnreadCount("bob"), 3)
	assert.Equal(t, ct.chat.UnreadCount("carol"), 0)
}

func TestInboundUpdatesContactPreview(t *testing.T) {
	ct := newChatTest("alice")
	ct.api.contacts = []*ChatContact{
		{UserId: "bob"},
	}
	ct.chat.LoadContacts()

	ct.dispatchMessage(&PrivateMessagePayload{
		MessageId:  1,
		SenderId:   "bob",
		ReceiverId: "alice",
		Content:    "latest",
		CreatedAt:  "2025-01-01T00:01:00Z",
	})

	contacts := ct.chat.Contacts()
	assert.Equal(t, contacts[0].LastMessage, "latest")
	assert.Equal(t, contacts[0].LastMessageSenderId, "bob")
	assert.Equal(t, contacts[0].UnreadCount, 1)
}
