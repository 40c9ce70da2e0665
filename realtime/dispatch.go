package realtime

import (
	"encoding/json"
	"runtime/debug"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type EventCallback func(payload json.RawMessage)

// Dispatcher demultiplexes the inbound event stream into named channels.
// It is the sole seam between the transport and feature logic: the
// connection manager calls dispatch, feature modules call Subscribe.
//
// Subscribers for one event type are invoked in registration order. Every
// callback is isolated, so one panicking subscriber never prevents the
// others from running and never destabilizes the stream.
type Dispatcher struct {
	mutex         sync.Mutex
	nextSubId     int
	subscriptions map[EventType][]*subscription
}

type subscription struct {
	subId    int
	callback EventCallback
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscriptions: map[EventType][]*subscription{},
	}
}

// the returned unsubscribe function is idempotent and safe to call more
// than once
func (self *Dispatcher) Subscribe(eventType EventType, callback EventCallback) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextSubId += 1
	sub := &subscription{
		subId:    self.nextSubId,
		callback: callback,
	}
	self.subscriptions[eventType] = append(
		slices.Clone(self.subscriptions[eventType]),
		sub,
	)
	return func() {
		self.unsubscribe(eventType, sub.subId)
	}
}

func (self *Dispatcher) unsubscribe(eventType EventType, subId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subs := self.subscriptions[eventType]
	i := slices.IndexFunc(subs, func(sub *subscription) bool {
		return sub.subId == subId
	})
	if i < 0 {
		// already removed
		return
	}
	self.subscriptions[eventType] = slices.Delete(slices.Clone(subs), i, i+1)
}

func (self *Dispatcher) SubscriberCount(eventType EventType) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.subscriptions[eventType])
}

// invoked once per decoded non-control document, on the read goroutine, so
// delivery order equals the transport's in-order guarantee
func (self *Dispatcher) dispatch(eventType EventType, payload json.RawMessage) {
	self.mutex.Lock()
	subs := self.subscriptions[eventType]
	self.mutex.Unlock()

	for _, sub := range subs {
		self.dispatchOne(eventType, sub, payload)
	}
	glog.V(2).Infof("[d]%s x%d\n", eventType, len(subs))
}

func (self *Dispatcher) dispatchOne(eventType EventType, sub *subscription, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[d]subscriber panic %s = %s\n%s", eventType, r, debug.Stack())
		}
	}()
	sub.callback(payload)
}
