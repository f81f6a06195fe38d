package diffsync

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// Subscriber is a connected client endpoint capable of receiving push
// notifications. Many subscribers may share one logical client (multiple
// devices), each addressed separately at the transport.
type Subscriber interface {
	ClientId() string
	// transport address of the device endpoint
	Address() string
	// best-effort delivery. Implementations must not block and must not
	// surface transport errors to the caller
	Patched(patchMessage *PatchMessage)
}

// snapshot, never mutated after publication
type subscriberList struct {
	subscribers []Subscriber
}

func (self *subscriberList) with(subscriber Subscriber) *subscriberList {
	subscribers := []Subscriber{}
	for _, s := range self.subscribers {
		// a re-registered address supersedes its previous endpoint
		if s.Address() != subscriber.Address() {
			subscribers = append(subscribers, s)
		}
	}
	subscribers = append(subscribers, subscriber)
	return &subscriberList{subscribers: subscribers}
}

func (self *subscriberList) without(address string) *subscriberList {
	subscribers := []Subscriber{}
	for _, s := range self.subscribers {
		if s.Address() != address {
			subscribers = append(subscribers, s)
		}
	}
	return &subscriberList{subscribers: subscribers}
}

// SubscriberRegistry maps a (document, client) key to its live endpoints.
// Updated with the same compare-and-swap discipline as the edit store.
type SubscriberRegistry struct {
	// DocKey -> *subscriberList
	subscribers sync.Map
}

func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{}
}

func (self *SubscriberRegistry) Add(key DocKey, subscriber Subscriber) {
	for {
		value, ok := self.subscribers.Load(key)
		if !ok {
			list := (&subscriberList{}).with(subscriber)
			if _, loaded := self.subscribers.LoadOrStore(key, list); !loaded {
				return
			}
			continue
		}
		list := value.(*subscriberList)
		if self.subscribers.CompareAndSwap(key, list, list.with(subscriber)) {
			return
		}
	}
}

func (self *SubscriberRegistry) Remove(key DocKey, address string) {
	for {
		value, ok := self.subscribers.Load(key)
		if !ok {
			return
		}
		list := value.(*subscriberList)
		if self.subscribers.CompareAndSwap(key, list, list.without(address)) {
			return
		}
	}
}

func (self *SubscriberRegistry) RemoveAll(key DocKey) {
	self.subscribers.Delete(key)
}

func (self *SubscriberRegistry) Subscribers(key DocKey) []Subscriber {
	value, ok := self.subscribers.Load(key)
	if !ok {
		return []Subscriber{}
	}
	list := value.(*subscriberList)
	return slices.Clone(list.subscribers)
}

func (self *SubscriberRegistry) Contains(key DocKey) bool {
	value, ok := self.subscribers.Load(key)
	if !ok {
		return false
	}
	list := value.(*subscriberList)
	return 0 < len(list.subscribers)
}

// Notify delivers the patch message to every endpoint registered for its
// key. Delivery to one endpoint is independent of the others: a panicking
// or failing endpoint never blocks the rest, and never unwinds the
// engine's committed state.
func (self *SubscriberRegistry) Notify(patchMessage *PatchMessage) {
	for _, subscriber := range self.Subscribers(patchMessage.Key()) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[registry]notify %s panic = %v\n", subscriber.Address(), r)
				}
			}()
			subscriber.Patched(patchMessage)
		}()
	}
}
