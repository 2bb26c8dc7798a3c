// Package hub fans job progress events out to live subscribers.
//
// The hub holds no business logic: it is a per-job subscriber registry
// with bounded per-subscriber queues. Publish never blocks on a slow
// consumer — the queue drops its oldest event on overflow — and a send
// failure evicts only the failing subscriber. Liveness is two-sided: a
// heartbeat whose send fails evicts through the writer, and a client
// that stays silent for MaxMissed heartbeat intervals is evicted too —
// clients are expected to ping at least that often. On a job's terminal
// event all of its subscriptions are closed after a short grace window.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/brandscope/idgen"
)

// EventType identifies a server→client event.
type EventType string

const (
	EventConnected     EventType = "connection-ack"
	EventProgress      EventType = "progress-update"
	EventStageComplete EventType = "stage-complete"
	EventCompleted     EventType = "completed"
	EventError         EventType = "error"
	EventHeartbeat     EventType = "heartbeat"
)

// Event is one progress notification for a job.
type Event struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"job_id"`
	Status       string    `json:"status,omitempty"`
	Progress     int       `json:"progress"`
	Stage        string    `json:"stage,omitempty"`
	Message      string    `json:"message,omitempty"`
	Remedy       string    `json:"remedy,omitempty"`
	FallbackUsed bool      `json:"fallback_used,omitempty"`
	Terminal     bool      `json:"terminal,omitempty"`
	At           int64     `json:"at"` // unix millis
}

// Conn is the transport half of a subscription. Send must be safe to call
// from the subscription's writer goroutine only.
type Conn interface {
	Send(Event) error
	Close() error
}

// Subscription pairs one live connection with one job id. Held only in
// the hub's in-memory registry.
type Subscription struct {
	ID      string
	JobID   string
	OwnerID string

	conn      Conn
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64 // unix millis of last client activity
	dropped   atomic.Int64
}

// Touch records client activity (ping or any frame). Resets the
// heartbeat-miss clock.
func (s *Subscription) Touch() {
	s.lastSeen.Store(time.Now().UnixMilli())
}

// Dropped returns how many events were dropped due to queue overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Options tunes the hub.
type Options struct {
	// QueueSize bounds each subscriber's event queue. Default: 32.
	QueueSize int
	// HeartbeatInterval is how often heartbeats are sent. Default: 15s.
	HeartbeatInterval time.Duration
	// MaxMissed is how many consecutive heartbeat intervals a client may
	// stay silent (no ping or other frame) before eviction. Default: 3.
	MaxMissed int
	// GraceWindow is how long subscriptions stay open after a terminal
	// event, letting slow clients drain. Default: 5s.
	GraceWindow time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MaxMissed <= 0 {
		o.MaxMissed = 3
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub is the per-job subscriber registry.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	opts Options
}

// New creates a Hub. Call Run to enable heartbeats.
func New(opts Options) *Hub {
	opts.defaults()
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		opts: opts,
	}
}

// Subscribe registers conn for jobID's events and starts its writer.
// Authorization must have happened before this call; the hub trusts its
// callers. The subscriber immediately receives a connection-ack.
func (h *Hub) Subscribe(jobID, ownerID string, conn Conn) *Subscription {
	sub := &Subscription{
		ID:      idgen.Subscription(),
		JobID:   jobID,
		OwnerID: ownerID,
		conn:    conn,
		queue:   make(chan Event, h.opts.QueueSize),
		done:    make(chan struct{}),
	}
	sub.Touch()

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	go h.writer(sub)

	h.enqueue(sub, Event{
		Type:  EventConnected,
		JobID: jobID,
		At:    time.Now().UnixMilli(),
	})
	return sub
}

// Unsubscribe removes and closes sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub)
}

// SubscriberCount returns the number of live subscriptions for a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Publish fans ev out to every subscriber of jobID, best effort. It never
// blocks and never returns an error to the publisher.
func (h *Hub) Publish(jobID string, ev Event) {
	ev.JobID = jobID
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[jobID]))
	for sub := range h.subs[jobID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.enqueue(sub, ev)
	}

	if ev.Terminal {
		h.closeJobAfterGrace(jobID)
	}
}

// Run drives the heartbeat loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// enqueue adds ev to sub's queue, dropping the oldest queued event on
// overflow so one slow consumer cannot stall the hub.
func (h *Hub) enqueue(sub *Subscription, ev Event) {
	select {
	case sub.queue <- ev:
		return
	default:
	}
	// Queue full: drop the oldest and retry once.
	select {
	case <-sub.queue:
		sub.dropped.Add(1)
	default:
	}
	select {
	case sub.queue <- ev:
	default:
		sub.dropped.Add(1)
	}
}

// writer drains one subscription's queue in FIFO order. A send failure
// evicts the subscription without affecting other subscribers.
func (h *Hub) writer(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			if err := sub.conn.Send(ev); err != nil {
				h.opts.Logger.Debug("hub: send failed, evicting subscriber",
					"subscription_id", sub.ID, "job_id", sub.JobID, "error", err)
				h.remove(sub)
				return
			}
		}
	}
}

func (h *Hub) heartbeat() {
	now := time.Now().UnixMilli()
	deadline := int64(h.opts.MaxMissed) * h.opts.HeartbeatInterval.Milliseconds()

	h.mu.RLock()
	var stale, live []*Subscription
	for _, m := range h.subs {
		for sub := range m {
			if now-sub.lastSeen.Load() > deadline {
				stale = append(stale, sub)
			} else {
				live = append(live, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		h.opts.Logger.Debug("hub: heartbeat timeout, evicting subscriber",
			"subscription_id", sub.ID, "job_id", sub.JobID)
		h.remove(sub)
	}
	for _, sub := range live {
		h.enqueue(sub, Event{
			Type:  EventHeartbeat,
			JobID: sub.JobID,
			At:    now,
		})
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if m, ok := h.subs[sub.JobID]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(h.subs, sub.JobID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) closeJobAfterGrace(jobID string) {
	time.AfterFunc(h.opts.GraceWindow, func() {
		h.mu.Lock()
		m := h.subs[jobID]
		delete(h.subs, jobID)
		h.mu.Unlock()
		for sub := range m {
			sub.close()
		}
	})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()
	for _, m := range all {
		for sub := range m {
			sub.close()
		}
	}
}
