package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type GroupMessage struct {
	Id         int64  `json:"id,omitempty"`
	TempId     string `json:"tempId,omitempty"`
	GroupId    string `json:"groupId"`
	SenderId   string `json:"senderId"`
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"`
	SenderName string `json:"senderName,omitempty"`
}

func (self *GroupMessage) IsTemp() bool {
	return self.Id == 0 && self.TempId != ""
}

type GroupApi interface {
	GroupMessagesSync(groupId string, limit int, offset int) ([]*GroupMessage, error)
	GroupSendSync(groupSend *GroupSendArgs) (*GroupMessage, error)
	GroupMarkReadSync(groupMarkRead *GroupMarkReadArgs) (*GroupMarkReadResult, error)
}

// GroupSynchronizer is the group-scoped variant of the chat synchronizer:
// per-group conversations with the same optimistic send and echo
// reconciliation, a per-group unread counter, and a membership roster fed
// by join/leave events.
type GroupSynchronizer struct {
	session  *Session
	api      GroupApi
	clock    Clock
	settings *ChatSettings

	mutex         sync.Mutex
	conversations map[string][]*GroupMessage
	unreadCounts  map[string]int
	members       map[string]map[string]bool

	changeCallbacks *CallbackList[func()]

	unsubscribes []func()
}

func NewGroupSynchronizerWithDefaults(
	session *Session,
	dispatcher *Dispatcher,
	api GroupApi,
) *GroupSynchronizer {
	return NewGroupSynchronizer(session, dispatcher, api, SystemClock(), DefaultChatSettings())
}

func NewGroupSynchronizer(
	session *Session,
	dispatcher *Dispatcher,
	api GroupApi,
	clock Clock,
	settings *ChatSettings,
) *GroupSynchronizer {
	group := &GroupSynchronizer{
		session:         session,
		api:             api,
		clock:           clock,
		settings:        settings,
		conversations:   map[string][]*GroupMessage{},
		unreadCounts:    map[string]int{},
		members:         map[string]map[string]bool{},
		changeCallbacks: NewCallbackList[func()](),
	}
	group.unsubscribes = []func(){
		dispatcher.Subscribe(EventTypeGroupMessage, group.handleGroupMessage),
		dispatcher.Subscribe(EventTypeGroupMessagesRead, group.handleGroupMessagesRead),
		dispatcher.Subscribe(EventTypeGroupUserJoined, group.handleMemberJoined),
		dispatcher.Subscribe(EventTypeGroupUserLeft, group.handleMemberLeft),
	}
	return group
}

func (self *GroupSynchronizer) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
}

func (self *GroupSynchronizer) LoadMessages(groupId string) ([]*GroupMessage, error) {
	messages, err := self.api.GroupMessagesSync(groupId, self.settings.HistoryLimit, 0)
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.conversations[groupId] = messages
	self.mutex.Unlock()
	self.notifyChange()
	return messages, nil
}

func (self *GroupSynchronizer) Send(groupId string, content string) (*GroupMessage, error) {
	selfId := self.session.UserId()
	if selfId == "" {
		return nil, ErrNotAuthenticated
	}

	temp := &GroupMessage{
		TempId:    NewId().String(),
		GroupId:   groupId,
		SenderId:  selfId,
		Content:   content,
		CreatedAt: self.clock.Now().Format(time.RFC3339),
	}

	self.mutex.Lock()
	self.conversations[groupId] = append(self.conversations[groupId], temp)
	self.mutex.Unlock()
	self.notifyChange()

	confirmed, err := self.api.GroupSendSync(&GroupSendArgs{
		GroupId: groupId,
		Content: content,
		TempId:  temp.TempId,
	})
	if err != nil {
		self.mutex.Lock()
		messages := self.conversations[groupId]
		i := slices.IndexFunc(messages, func(message *GroupMessage) bool {
			return message.TempId == temp.TempId
		})
		if 0 <= i {
			self.conversations[groupId] = slices.Delete(slices.Clone(messages), i, i+1)
		}
		self.mutex.Unlock()
		self.notifyChange()
		glog.Infof("[g]send error = %s\n", err)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if confirmed.TempId == "" {
		confirmed.TempId = temp.TempId
	}

	self.mutex.Lock()
	messages := self.conversations[groupId]
	i := slices.IndexFunc(messages, func(message *GroupMessage) bool {
		return message.TempId == temp.TempId
	})
	if 0 <= i {
		messages[i] = confirmed
	}
	self.mutex.Unlock()
	self.notifyChange()
	return confirmed, nil
}

func (self *GroupSynchronizer) handleGroupMessage(payload json.RawMessage) {
	var messagePayload GroupMessagePayload
	if err := json.Unmarshal(payload, &messagePayload); err != nil {
		glog.Infof("[g]malformed message payload = %s\n", err)
		return
	}

	selfId := self.session.UserId()
	groupId := messagePayload.GroupId

	message := &GroupMessage{
		Id:         messagePayload.MessageId,
		TempId:     messagePayload.TempId,
		GroupId:    groupId,
		SenderId:   messagePayload.SenderId,
		Content:    messagePayload.Content,
		CreatedAt:  messagePayload.CreatedAt,
		SenderName: messagePayload.SenderName,
	}

	self.mutex.Lock()
	messages := self.conversations[groupId]

	if messagePayload.MessageId != 0 {
		i := slices.IndexFunc(messages, func(existing *GroupMessage) bool {
			return existing.Id == messagePayload.MessageId
		})
		if 0 <= i {
			self.mutex.Unlock()
			return
		}
	}

	i := -1
	if messagePayload.TempId != "" {
		i = slices.IndexFunc(messages, func(existing *GroupMessage) bool {
			return existing.TempId == messagePayload.TempId
		})
	} else {
		i = slices.IndexFunc(messages, func(existing *GroupMessage) bool {
			return existing.IsTemp() &&
				existing.SenderId == messagePayload.SenderId &&
				existing.Content == messagePayload.Content
		})
	}
	if 0 <= i {
		message.TempId = messages[i].TempId
		messages[i] = message
	} else {
		self.conversations[groupId] = append(messages, message)
	}

	if messagePayload.SenderId != selfId {
		self.unreadCounts[groupId] += 1
	}
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *GroupSynchronizer) handleGroupMessagesRead(payload json.RawMessage) {
	var readPayload GroupMessagesReadPayload
	if err := json.Unmarshal(payload, &readPayload); err != nil {
		glog.Infof("[g]malformed read payload = %s\n", err)
		return
	}
	if readPayload.UserId != self.session.UserId() {
		return
	}
	self.mutex.Lock()
	self.unreadCounts[readPayload.GroupId] = 0
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *GroupSynchronizer) handleMemberJoined(payload json.RawMessage) {
	var memberPayload GroupMemberPayload
	if err := json.Unmarshal(payload, &memberPayload); err != nil {
		glog.Infof("[g]malformed member payload = %s\n", err)
		return
	}
	self.mutex.Lock()
	if self.members[memberPayload.GroupId] == nil {
		self.members[memberPayload.GroupId] = map[string]bool{}
	}
	self.members[memberPayload.GroupId][memberPayload.UserId] = true
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *GroupSynchronizer) handleMemberLeft(payload json.RawMessage) {
	var memberPayload GroupMemberPayload
	if err := json.Unmarshal(payload, &memberPayload); err != nil {
		glog.Infof("[g]malformed member payload = %s\n", err)
		return
	}
	self.mutex.Lock()
	if members, ok := self.members[memberPayload.GroupId]; ok {
		delete(members, memberPayload.UserId)
	}
	self.mutex.Unlock()
	self.notifyChange()
}

func (self *GroupSynchronizer) MarkRead(groupId string) error {
	_, err := self.api.GroupMarkReadSync(&GroupMarkReadArgs{
		GroupId: groupId,
	})
	if err != nil {
		return err
	}
	self.mutex.Lock()
	self.unreadCounts[groupId] = 0
	self.mutex.Unlock()
	self.notifyChange()
	return nil
}

func (self *GroupSynchronizer) Conversation(groupId string) []*GroupMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.conversations[groupId])
}

func (self *GroupSynchronizer) UnreadCount(groupId string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.unreadCounts[groupId]
}

func (self *GroupSynchronizer) Members(groupId string) []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	memberIds := []string{}
	for memberId := range self.members[groupId] {
		memberIds = append(memberIds, memberId)
	}
	slices.Sort(memberIds)
	return memberIds
}

func (self *GroupSynchronizer) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *GroupSynchronizer) notifyChange() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}
