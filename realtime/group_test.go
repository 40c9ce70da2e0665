package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type fakeGroupApi struct {
	mutex         sync.Mutex
	selfId        string
	nextMessageId int64
	sendErr       error
	history       map[string][]*GroupMessage
}

func newFakeGroupApi(selfId string) *fakeGroupApi {
	return &fakeGroupApi{
		selfId:  selfId,
		history: map[string][]*GroupMessage{},
	}
}

func (self *fakeGroupApi) GroupMessagesSync(groupId string, limit int, offset int) ([]*GroupMessage, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.history[groupId], nil
}

func (self *fakeGroupApi) GroupSendSync(groupSend *GroupSendArgs) (*GroupMessage, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.sendErr != nil {
		return nil, self.sendErr
	}
	self.nextMessageId += 1
	return &GroupMessage{
		Id:        self.nextMessageId,
		TempId:    groupSend.TempId,
		GroupId:   groupSend.GroupId,
		SenderId:  self.selfId,
		Content:   groupSend.Content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (self *fakeGroupApi) GroupMarkReadSync(groupMarkRead *GroupMarkReadArgs) (*GroupMarkReadResult, error) {
	return &GroupMarkReadResult{}, nil
}

type groupTest struct {
	dispatcher *Dispatcher
	api        *fakeGroupApi
	group      *GroupSynchronizer
}

func newGroupTest(selfId string) *groupTest {
	dispatcher := NewDispatcher()
	api := newFakeGroupApi(selfId)
	group := NewGroupSynchronizer(
		testSession(selfId),
		dispatcher,
		api,
		NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		DefaultChatSettings(),
	)
	return &groupTest{
		dispatcher: dispatcher,
		api:        api,
		group:      group,
	}
}

func (self *groupTest) dispatchMessage(payload *GroupMessagePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	self.dispatcher.dispatch(EventTypeGroupMessage, data)
}

func (self *groupTest) dispatchMember(eventType EventType, groupId string, userId string) {
	data, err := json.Marshal(&GroupMemberPayload{
		GroupId: groupId,
		UserId:  userId,
	})
	if err != nil {
		panic(err)
	}
	self.dispatcher.dispatch(eventType, data)
}

func TestGroupSendConfirmsInPlace(t *testing.T) {
	gt := newGroupTest("alice")

	confirmed, err := gt.group.Send("g1", "hello group")
	assert.Equal(t, err, nil)
	assert.Equal(t, confirmed.Id, int64(1))

	conversation := gt.group.Conversation("g1")
	assert.Equal(t, len(conversation), 1)
	assert.Equal(t, conversation[0].IsTemp(), false)

	// the broadcast echo of our own send is reconciled, not appended
	gt.dispatchMessage(&GroupMessagePayload{
		MessageId: 1,
		TempId:    confirmed.TempId,
		GroupId:   "g1",
		SenderId:  "alice",
		Content:   "hello group",
	})
	assert.Equal(t, len(gt.group.Conversation("g1")), 1)
	// our own broadcast never counts unread
	assert.Equal(t, gt.group.UnreadCount("g1"), 0)
}

func TestGroupSendFailureRollsBack(t *testing.T) {
	gt := newGroupTest("alice")
	gt.api.sendErr = errors.New("server unavailable")

	_, err := gt.group.Send("g1", "hello")
	assert.Equal(t, errors.Is(err, ErrSendFailed), true)
	assert.Equal(t, len(gt.group.Conversation("g1")), 0)
}

func TestGroupInboundUnread(t *testing.T) {
	gt := newGroupTest("alice")

	gt.dispatchMessage(&GroupMessagePayload{
		MessageId: 10,
		GroupId:   "g1",
		SenderId:  "bob",
		Content:   "hi all",
	})
	gt.dispatchMessage(&GroupMessagePayload{
		MessageId: 11,
		GroupId:   "g1",
		SenderId:  "carol",
		Content:   "hello",
	})
	assert.Equal(t, len(gt.group.Conversation("g1")), 2)
	assert.Equal(t, gt.group.UnreadCount("g1"), 2)

	// conversations are scoped per group
	assert.Equal(t, gt.group.UnreadCount("g2"), 0)
}

func TestGroupMarkRead(t *testing.T) {
	gt := newGroupTest("alice")

	gt.dispatchMessage(&GroupMessagePayload{
		MessageId: 10,
		GroupId:   "g1",
		SenderId:  "bob",
		Content:   "hi",
	})
	assert.Equal(t, gt.group.UnreadCount("g1"), 1)

	assert.Equal(t, gt.group.MarkRead("g1"), nil)
	assert.Equal(t, gt.group.UnreadCount("g1"), 0)
}

func TestGroupReadEvent(t *testing.T) {
	gt := newGroupTest("alice")

	gt.dispatchMessage(&GroupMessagePayload{
		MessageId: 10,
		GroupId:   "g1",
		SenderId:  "bob",
		Content:   "hi",
	})

	// another member's read marker does not touch our counter
	data, _ := json.Marshal(&GroupMessagesReadPayload{GroupId: "g1", UserId: "carol"})
	gt.dispatcher.dispatch(EventTypeGroupMessagesRead, data)
	assert.Equal(t, gt.group.UnreadCount("g1"), 1)

	// our own read marker from another tab does
	data, _ = json.Marshal(&GroupMessagesReadPayload{GroupId: "g1", UserId: "alice"})
	gt.dispatcher.dispatch(EventTypeGroupMessagesRead, data)
	assert.Equal(t, gt.group.UnreadCount("g1"), 0)
}

func TestGroupRoster(t *testing.T) {
	gt := newGroupTest("alice")

	gt.dispatchMember(EventTypeGroupUserJoined, "g1", "bob")
	gt.dispatchMember(EventTypeGroupUserJoined, "g1", "carol")
	gt.dispatchMember(EventTypeGroupUserJoined, "g2", "dave")
	assert.Equal(t, gt.group.Members("g1"), []string{"bob", "carol"})
	assert.Equal(t, gt.group.Members("g2"), []string{"dave"})

	gt.dispatchMember(EventTypeGroupUserLeft, "g1", "bob")
	assert.Equal(t, gt.group.Members("g1"), []string{"carol"})

	// leaving a group never seen is harmless
	gt.dispatchMember(EventTypeGroupUserLeft, "g3", "bob")
	assert.Equal(t, len(gt.group.Members("g3")), 0)
}

func TestGroupLoadMessages(t *testing.T) {
	gt := newGroupTest("alice")
	gt.api.history["g1"] = []*GroupMessage{
		{Id: 1, GroupId: "g1", SenderId: "bob", Content: "a"},
		{Id: 2, GroupId: "g1", SenderId: "alice", Content: "b"},
	}

	messages, err := gt.group.LoadMessages("g1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, len(gt.group.Conversation("g1")), 2)
}
