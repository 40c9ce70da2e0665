package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type fakeNotificationApi struct {
	mutex         sync.Mutex
	notifications []*Notification
	markedRead    []int64
}

func (self *fakeNotificationApi) NotificationsSync(limit int, offset int) ([]*Notification, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notifications, nil
}

func (self *fakeNotificationApi) NotificationMarkReadSync(markRead *NotificationMarkReadArgs) (*NotificationMarkReadResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.markedRead = append(self.markedRead, markRead.NotificationId)
	return &NotificationMarkReadResult{}, nil
}

func TestNotificationBadge(t *testing.T) {
	dispatcher := NewDispatcher()
	router := NewNotificationRouter(dispatcher, &fakeNotificationApi{})

	badges := []int{}
	router.AddBadgeCallback(func(unreadCount int) {
		badges = append(badges, unreadCount)
	})

	data, _ := json.Marshal(&NotificationUpdatePayload{UnreadCount: 4})
	dispatcher.dispatch(EventTypeNotificationUpdate, data)
	assert.Equal(t, router.UnreadCount(), 4)
	assert.Equal(t, badges, []int{4})
}

func TestNotificationEventForwarding(t *testing.T) {
	dispatcher := NewDispatcher()
	router := NewNotificationRouter(dispatcher, &fakeNotificationApi{})

	forwarded := []EventType{}
	router.AddEventCallback(func(eventType EventType, payload json.RawMessage) {
		forwarded = append(forwarded, eventType)
	})

	dispatcher.dispatch(EventTypePostCreated, json.RawMessage(`{"postId":1}`))
	dispatcher.dispatch(EventTypePostLiked, json.RawMessage(`{"postId":1}`))
	dispatcher.dispatch(EventTypeUserStatsUpdated, json.RawMessage(`{"userId":"u1"}`))
	assert.Equal(t, forwarded, []EventType{
		EventTypePostCreated,
		EventTypePostLiked,
		EventTypeUserStatsUpdated,
	})

	// chat traffic is not notification traffic
	dispatcher.dispatch(EventTypePrivateMessage, json.RawMessage(`{}`))
	assert.Equal(t, len(forwarded), 3)
}

func TestNotificationMarkRead(t *testing.T) {
	dispatcher := NewDispatcher()
	api := &fakeNotificationApi{
		notifications: []*Notification{
			{Id: 1, Type: "like"},
			{Id: 2, Type: "follow", IsRead: true},
		},
	}
	router := NewNotificationRouter(dispatcher, api)

	notifications, err := router.Load(20, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(notifications), 2)

	data, _ := json.Marshal(&NotificationUpdatePayload{UnreadCount: 1})
	dispatcher.dispatch(EventTypeNotificationUpdate, data)

	assert.Equal(t, router.MarkRead(1), nil)
	assert.Equal(t, api.markedRead, []int64{1})
	assert.Equal(t, router.UnreadCount(), 0)
	assert.Equal(t, router.Notifications()[0].IsRead, true)

	// marking an already-read notification does not double decrement
	assert.Equal(t, router.MarkRead(1), nil)
	assert.Equal(t, router.UnreadCount(), 0)
}

func TestNotificationRouterClose(t *testing.T) {
	dispatcher := NewDispatcher()
	router := NewNotificationRouter(dispatcher, &fakeNotificationApi{})
	assert.Equal(t, dispatcher.SubscriberCount(EventTypeNotificationUpdate), 1)

	router.Close()
	assert.Equal(t, dispatcher.SubscriberCount(EventTypeNotificationUpdate), 0)
	assert.Equal(t, dispatcher.SubscriberCount(EventTypePostCreated), 0)
}
