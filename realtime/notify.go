package realtime

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type NotificationApi interface {
	NotificationsSync(limit int, offset int) ([]*Notification, error)
	NotificationMarkReadSync(markRead *NotificationMarkReadArgs) (*NotificationMarkReadResult, error)
}

// NotificationRouter is a thin consumer of the generic event types:
// friend requests, invites, post and group activity. It keeps the unread
// badge count and forwards the raw events to whoever renders them.
type NotificationRouter struct {
	api NotificationApi

	mutex         sync.Mutex
	unreadCount   int
	notifications []*Notification

	eventCallbacks *CallbackList[func(eventType EventType, payload json.RawMessage)]
	badgeCallbacks *CallbackList[func(unreadCount int)]

	unsubscribes []func()
}

func NewNotificationRouter(dispatcher *Dispatcher, api NotificationApi) *NotificationRouter {
	router := &NotificationRouter{
		api:            api,
		eventCallbacks: NewCallbackList[func(eventType EventType, payload json.RawMessage)](),
		badgeCallbacks: NewCallbackList[func(unreadCount int)](),
	}
	router.unsubscribes = []func(){
		dispatcher.Subscribe(EventTypeNotificationUpdate, router.handleNotificationUpdate),
	}
	for _, eventType := range []EventType{
		EventTypePostCreated,
		EventTypePostLiked,
		EventTypeUserStatsUpdated,
		EventTypeGroupUserJoined,
		EventTypeGroupUserLeft,
	} {
		eventType := eventType
		router.unsubscribes = append(
			router.unsubscribes,
			dispatcher.Subscribe(eventType, func(payload json.RawMessage) {
				router.forward(eventType, payload)
			}),
		)
	}
	return router
}

func (self *NotificationRouter) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
}

func (self *NotificationRouter) handleNotificationUpdate(payload json.RawMessage) {
	var updatePayload NotificationUpdatePayload
	if err := json.Unmarshal(payload, &updatePayload); err != nil {
		glog.Infof("[n]malformed update payload = %s\n", err)
		return
	}
	self.mutex.Lock()
	self.unreadCount = updatePayload.UnreadCount
	self.mutex.Unlock()

	for _, callback := range self.badgeCallbacks.Get() {
		callback(updatePayload.UnreadCount)
	}
}

func (self *NotificationRouter) forward(eventType EventType, payload json.RawMessage) {
	glog.V(2).Infof("[n]%s\n", eventType)
	for _, callback := range self.eventCallbacks.Get() {
		callback(eventType, payload)
	}
}

func (self *NotificationRouter) Load(limit int, offset int) ([]*Notification, error) {
	notifications, err := self.api.NotificationsSync(limit, offset)
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.notifications = notifications
	self.mutex.Unlock()
	return notifications, nil
}

func (self *NotificationRouter) MarkRead(notificationId int64) error {
	_, err := self.api.NotificationMarkReadSync(&NotificationMarkReadArgs{
		NotificationId: notificationId,
	})
	if err != nil {
		return err
	}
	self.mutex.Lock()
	i := slices.IndexFunc(self.notifications, func(notification *Notification) bool {
		return notification.Id == notificationId
	})
	if 0 <= i && !self.notifications[i].IsRead {
		self.notifications[i].IsRead = true
		if 0 < self.unreadCount {
			self.unreadCount -= 1
		}
	}
	unreadCount := self.unreadCount
	self.mutex.Unlock()

	for _, callback := range self.badgeCallbacks.Get() {
		callback(unreadCount)
	}
	return nil
}

func (self *NotificationRouter) UnreadCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.unreadCount
}

func (self *NotificationRouter) Notifications() []*Notification {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.notifications)
}

func (self *NotificationRouter) AddEventCallback(callback func(eventType EventType, payload json.RawMessage)) func() {
	return self.eventCallbacks.Add(callback)
}

func (self *NotificationRouter) AddBadgeCallback(callback func(unreadCount int)) func() {
	return self.badgeCallbacks.Add(callback)
}
