package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PresenceEntry struct {
	UserId   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type PresenceSettings struct {
	NoticeCooldownTimeout time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		NoticeCooldownTimeout: 5 * time.Second,
	}
}

// PresenceTracker maintains the online/offline cache per user. Values
// seeded from a REST snapshot are low-priority defaults: any live event
// for the same user permanently overrides the seed until superseded by a
// newer event.
type PresenceTracker struct {
	session  *Session
	clock    Clock
	settings *PresenceSettings

	mutex        sync.Mutex
	live         map[string]bool
	seeded       map[string]bool
	lastNoticeAt map[string]time.Time

	changeCallbacks *CallbackList[func(userId string, isOnline bool)]
	noticeCallbacks *CallbackList[func(userId string, isOnline bool)]

	unsubscribe func()
}

func NewPresenceTrackerWithDefaults(session *Session, dispatcher *Dispatcher) *PresenceTracker {
	return NewPresenceTracker(session, dispatcher, SystemClock(), DefaultPresenceSettings())
}

func NewPresenceTracker(
	session *Session,
	dispatcher *Dispatcher,
	clock Clock,
	settings *PresenceSettings,
) *PresenceTracker {
	presence := &PresenceTracker{
		session:         session,
		clock:           clock,
		settings:        settings,
		live:            map[string]bool{},
		seeded:          map[string]bool{},
		lastNoticeAt:    map[string]time.Time{},
		changeCallbacks: NewCallbackList[func(userId string, isOnline bool)](),
		noticeCallbacks: NewCallbackList[func(userId string, isOnline bool)](),
	}
	presence.unsubscribe = dispatcher.Subscribe(EventTypeUserStatusUpdate, presence.handleStatusUpdate)
	return presence
}

func (self *PresenceTracker) Close() {
	self.unsubscribe()
}

func (self *PresenceTracker) handleStatusUpdate(payload json.RawMessage) {
	var statusPayload UserStatusUpdatePayload
	if err := json.Unmarshal(payload, &statusPayload); err != nil {
		glog.Infof("[p]malformed status payload = %s\n", err)
		return
	}
	if statusPayload.UserId == "" {
		glog.Infof("[p]status payload missing user id\n")
		return
	}

	changed := self.SetStatus(statusPayload.UserId, statusPayload.IsOnline)
	if !changed {
		return
	}
	if statusPayload.UserId != self.session.UserId() {
		self.maybeNotice(statusPayload.UserId, statusPayload.IsOnline)
	}
}

// SetStatus records a live status. Returns whether the effective status
// changed.
func (self *PresenceTracker) SetStatus(userId string, isOnline bool) bool {
	self.mutex.Lock()
	previous, wasLive := self.live[userId]
	self.live[userId] = isOnline
	self.mutex.Unlock()

	changed := !wasLive || previous != isOnline
	if changed {
		glog.V(2).Infof("[p]%s online=%t\n", userId, isOnline)
		for _, callback := range self.changeCallbacks.Get() {
			callback(userId, isOnline)
		}
	}
	return changed
}

// a user-facing notice for one user fires at most once per cooldown
// window, so rapid flapping cannot generate a notice storm
func (self *PresenceTracker) maybeNotice(userId string, isOnline bool) {
	now := self.clock.Now()

	self.mutex.Lock()
	if lastNoticeAt, ok := self.lastNoticeAt[userId]; ok {
		if now.Sub(lastNoticeAt) < self.settings.NoticeCooldownTimeout {
			self.mutex.Unlock()
			glog.V(2).Infof("[p]notice cooldown %s\n", userId)
			return
		}
	}
	self.lastNoticeAt[userId] = now
	// drop stale cooldown entries as the table is touched
	for staleUserId, noticeAt := range self.lastNoticeAt {
		if self.settings.NoticeCooldownTimeout < now.Sub(noticeAt) {
			delete(self.lastNoticeAt, staleUserId)
		}
	}
	self.mutex.Unlock()

	for _, callback := range self.noticeCallbacks.Get() {
		callback(userId, isOnline)
	}
}

// IsOnline resolves in priority order: live event, REST seed, fallback.
func (self *PresenceTracker) IsOnline(userId string, fallback bool) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if isOnline, ok := self.live[userId]; ok {
		return isOnline
	}
	if isOnline, ok := self.seeded[userId]; ok {
		return isOnline
	}
	return fallback
}

// SeedFromSnapshot merges REST-provided statuses as low-priority
// defaults. Seeds never override a live event.
func (self *PresenceTracker) SeedFromSnapshot(entries []*PresenceEntry) {
	self.mutex.Lock()
	for _, entry := range entries {
		if entry.UserId == "" {
			continue
		}
		self.seeded[entry.UserId] = entry.IsOnline
	}
	self.mutex.Unlock()
}

func (self *PresenceTracker) OnlineUsers() map[string]bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	onlineUsers := map[string]bool{}
	for userId, isOnline := range self.seeded {
		onlineUsers[userId] = isOnline
	}
	for userId, isOnline := range self.live {
		onlineUsers[userId] = isOnline
	}
	return onlineUsers
}

func (self *PresenceTracker) AddChangeCallback(callback func(userId string, isOnline bool)) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *PresenceTracker) AddNoticeCallback(callback func(userId string, isOnline bool)) func() {
	return self.noticeCallbacks.Add(callback)
}
