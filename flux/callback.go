package flux

import (
	"sync"

	"golang.org/x/exp/slices"
)

type callbackEntry[T any] struct {
	callbackId Id
	callback   T
}

// makes a copy of the list on update
// callbacks are returned in registration order
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry *callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// each callback runs under its own recover so a panicking callback
// does not prevent later callbacks from running
func dispatch[T any](callbacks *CallbackList[T], call func(T)) {
	for _, callback := range callbacks.Get() {
		HandleError(func() {
			call(callback)
		})
	}
}
