package server

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type subscriber struct {
	ID        uuid.UUID
	Addr      string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.send) })
}

// SubscriberList tracks connected websocket subscribers by id.
type SubscriberList struct {
	subscribers map[uuid.UUID]*subscriber
	mu          sync.RWMutex
}

func NewSubscriberList() *SubscriberList {
	return &SubscriberList{
		subscribers: make(map[uuid.UUID]*subscriber),
	}
}

func (sl *SubscriberList) Add(sub *subscriber) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.subscribers[sub.ID] = sub
}

func (sl *SubscriberList) Remove(id uuid.UUID) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	delete(sl.subscribers, id)
}

func (sl *SubscriberList) Get(id uuid.UUID) (*subscriber, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	sub, ok := sl.subscribers[id]
	return sub, ok
}

func (sl *SubscriberList) Len() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.subscribers)
}

// Each calls fn for every subscriber under the read lock; fn must not block.
func (sl *SubscriberList) Each(fn func(*subscriber)) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	for _, sub := range sl.subscribers {
		fn(sub)
	}
}
