// Package notify はジョブのライフサイクルイベントを所有者ごとの購読者へ配信します。
package notify

import (
	"context"
	"log"
	"sync"

	"github.com/yourusername/heic-forge/internal/queue"
)

const defaultSubscriptionBuffer = 32

// Hub は所有者IDごとの購読者集合を管理します。
// 配信は非ブロッキングで、バッファが一杯の購読者にはイベントを落とします。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *log.Logger
}

// NewHub は Hub を作成します。buffer は購読者ごとのチャネル容量です。
func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Hub{
		rooms:  make(map[string]map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription は1接続分の購読です。
type Subscription struct {
	id      uint64
	owner   string
	hub     *Hub
	ch      chan queue.Event
	mu      sync.Mutex
	watched map[string]struct{}
	once    sync.Once
}

// Subscribe は ownerID のルームに購読者を追加します。
func (h *Hub) Subscribe(ownerID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		owner:   ownerID,
		hub:     h,
		ch:      make(chan queue.Event, h.buffer),
		watched: make(map[string]struct{}),
	}
	if h.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	room, ok := h.rooms[ownerID]
	if !ok {
		room = make(map[uint64]*Subscription)
		h.rooms[ownerID] = room
	}
	room[sub.id] = sub
	return sub
}

// Publish はイベントを所有者のルームへ配信し、届けた購読者数を返します。
func (h *Hub) Publish(ownerID string, ev queue.Event) int {
	if ownerID == "" {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.rooms[ownerID] {
		if !sub.wants(ev.JobID) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.logf("dropping %s for job=%s: subscriber %d buffer full", ev.Type, ev.JobID, sub.id)
		}
	}
	return delivered
}

// Subscribers は ownerID の購読者数を返します。
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[ownerID])
}

// Consume はキューのイベントストリームを読み切るまで Hub に流します。
func (h *Hub) Consume(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev.OwnerID, ev)
		}
	}
}

// Close はすべての購読を閉じます。以降の Subscribe は閉じたチャネルを返します。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for _, room := range h.rooms {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	h.rooms = make(map[string]map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sub.owner]
	if room == nil {
		return
	}
	delete(room, sub.id)
	if len(room) == 0 {
		delete(h.rooms, sub.owner)
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

// Events は配信されたイベントを受け取るチャネルです。購読終了時に閉じられます。
func (s *Subscription) Events() <-chan queue.Event {
	return s.ch
}

// Owner は購読者の所有者IDを返します。
func (s *Subscription) Owner() string {
	return s.owner
}

// Watch は特定ジョブだけを受け取るよう絞り込みます。1件も Watch していなければ所有者の全ジョブを受け取ります。
func (s *Subscription) Watch(jobID string) {
	if jobID == "" {
		return
	}
	s.mu.Lock()
	s.watched[jobID] = struct{}{}
	s.mu.Unlock()
}

// Unwatch は Watch を解除します。
func (s *Subscription) Unwatch(jobID string) {
	s.mu.Lock()
	delete(s.watched, jobID)
	s.mu.Unlock()
}

func (s *Subscription) wants(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.watched) == 0 {
		return true
	}
	_, ok := s.watched[jobID]
	return ok
}

// Close は購読を終了します。複数回呼んでも安全です。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		// remove の後なので Publish と競合しない
		close(s.ch)
	})
}
