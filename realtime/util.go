package realtime

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that iteration over a snapshot
// is safe while callbacks add or remove entries
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextSubId int
	subIds    []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// the returned remove function is idempotent
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextSubId += 1
	subId := self.nextSubId
	self.subIds = append(slices.Clone(self.subIds), subId)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return func() {
		self.remove(subId)
	}
}

func (self *CallbackList[T]) remove(subId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.subIds, subId)
	if i < 0 {
		// already removed
		return
	}
	self.subIds = slices.Delete(slices.Clone(self.subIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
