package admission

import (
	"container/heap"
	"sync"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// Queue orderings.
const (
	OrderFIFO     = "fifo"
	OrderPriority = "priority"
	OrderDeadline = "deadline"
)

// Overflow policies.
const (
	OverflowReject     = "reject"
	OverflowShedLowest = "shed_lowest"
)

// QueueConfig bounds and orders a holding queue.
type QueueConfig struct {
	MaxSize  int           `json:"max_size" yaml:"max_size"`
	Ordering string        `json:"ordering" yaml:"ordering"`
	Overflow string        `json:"overflow" yaml:"overflow"`
	TTL      time.Duration `json:"-" yaml:"-"`
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 1024
	}
	if c.Ordering == "" {
		c.Ordering = OrderFIFO
	}
	if c.Overflow == "" {
		c.Overflow = OverflowReject
	}
	return c
}

// DeadLetterEntry is one task parked in the dead-letter queue.
type DeadLetterEntry struct {
	Task   *orchestra.Task
	Reason string
	At     time.Time
}

// DeadLetter is the bounded holding area for shed, expired, and exhausted
// tasks. When full, the oldest entry is dropped.
type DeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetter constructs a dead-letter queue; maxSize <= 0 uses 1024.
func NewDeadLetter(maxSize int) *DeadLetter {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &DeadLetter{maxSize: maxSize}
}

// Park appends a task with a reason.
func (d *DeadLetter) Park(task *orchestra.Task, reason string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) >= d.maxSize {
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, DeadLetterEntry{Task: task, Reason: reason, At: time.Now()})
}

// Entries returns a copy of the parked entries.
func (d *DeadLetter) Entries() []DeadLetterEntry {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len reports the number of parked entries.
func (d *DeadLetter) Len() int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

type queueItem struct {
	task      *orchestra.Task
	seq       uint64
	expiresAt time.Time
}

type itemHeap struct {
	items []*queueItem
	less  func(a, b *queueItem) bool
}

func (h *itemHeap) Len() int            { return len(h.items) }
func (h *itemHeap) Less(i, j int) bool  { return h.less(h.items[i], h.items[j]) }
func (h *itemHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *itemHeap) Push(x any)          { h.items = append(h.items, x.(*queueItem)) }
func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// Queue is a bounded, ordered holding area for admitted-but-not-yet-executing
// task instances.
type Queue struct {
	mu    sync.Mutex
	cfg   QueueConfig
	heap  *itemHeap
	seq   uint64
	dlq   *DeadLetter
	clock func() time.Time
	ready chan struct{}
}

// NewQueue constructs a bounded queue. Shed and expired tasks are parked in
// dlq when one is provided.
func NewQueue(cfg QueueConfig, dlq *DeadLetter) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{cfg: cfg, dlq: dlq, clock: time.Now, ready: make(chan struct{}, 1)}
	q.heap = &itemHeap{less: lessFor(cfg.Ordering)}
	heap.Init(q.heap)
	return q
}

// Ready signals that a task may be available. Consumers block on it instead
// of polling; a wakeup does not guarantee a task, so callers loop on Dequeue.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func lessFor(ordering string) func(a, b *queueItem) bool {
	switch ordering {
	case OrderPriority:
		return func(a, b *queueItem) bool {
			if a.task.Priority != b.task.Priority {
				return a.task.Priority > b.task.Priority
			}
			return a.seq < b.seq
		}
	case OrderDeadline:
		return func(a, b *queueItem) bool {
			az, bz := a.task.Deadline.IsZero(), b.task.Deadline.IsZero()
			if az != bz {
				return bz // tasks with a deadline come first
			}
			if !az && !a.task.Deadline.Equal(b.task.Deadline) {
				return a.task.Deadline.Before(b.task.Deadline)
			}
			return a.seq < b.seq
		}
	default:
		return func(a, b *queueItem) bool { return a.seq < b.seq }
	}
}

// Enqueue admits a task. A full queue either rejects the newcomer or sheds
// the lowest-priority resident (the newcomer itself when it ranks lowest).
func (q *Queue) Enqueue(task *orchestra.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.expireLocked(now)

	if q.heap.Len() >= q.cfg.MaxSize {
		if q.cfg.Overflow != OverflowShedLowest {
			return orchestra.FlowControlError(orchestra.ErrQueueOverflow, orchestra.ScopeTaskType(task.Name), 0)
		}
		victim := q.lowestLocked()
		if victim == nil || victim.task.Priority >= task.Priority {
			q.dlq.Park(task, "shed_lowest: queue full")
			return orchestra.FlowControlError(orchestra.ErrQueueOverflow, orchestra.ScopeTaskType(task.Name), 0)
		}
		q.removeLocked(victim)
		q.dlq.Park(victim.task, "shed_lowest: displaced")
	}

	q.seq++
	item := &queueItem{task: task, seq: q.seq}
	ttl := task.TTL
	if ttl <= 0 {
		ttl = q.cfg.TTL
	}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}
	task.EnqueuedAt = now
	task.Status = orchestra.TaskStatusScheduled
	heap.Push(q.heap, item)
	q.notify()
	return nil
}

// Dequeue pops the next task per the configured ordering, discarding expired
// entries to the dead-letter queue.
func (q *Queue) Dequeue() (*orchestra.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(q.clock())
	if q.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(q.heap).(*queueItem)
	if q.heap.Len() > 0 {
		// keep the wakeup chain alive for other blocked consumers
		q.notify()
	}
	return item.task, true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) expireLocked(now time.Time) {
	kept := q.heap.items[:0]
	expired := []*queueItem{}
	for _, item := range q.heap.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			expired = append(expired, item)
			continue
		}
		kept = append(kept, item)
	}
	if len(expired) == 0 {
		return
	}
	q.heap.items = kept
	heap.Init(q.heap)
	for _, item := range expired {
		item.task.Status = orchestra.TaskStatusCancelled
		q.dlq.Park(item.task, "ttl_expired")
	}
}

func (q *Queue) lowestLocked() *queueItem {
	var lowest *queueItem
	for _, item := range q.heap.items {
		if lowest == nil || item.task.Priority < lowest.task.Priority ||
			(item.task.Priority == lowest.task.Priority && item.seq > lowest.seq) {
			lowest = item
		}
	}
	return lowest
}

func (q *Queue) removeLocked(target *queueItem) {
	for i, item := range q.heap.items {
		if item == target {
			heap.Remove(q.heap, i)
			return
		}
	}
}
