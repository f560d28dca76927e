package proxypool

import (
	"fmt"
	"sync"
	"time"

	"proxyrotator/proxypool/model"
)

// ProxyPool 是代理轮换的核心：一个 FIFO 队列加上失败计数淘汰。
//
// Every record is in exactly one state: queued, checked out to one caller,
// or discarded. The pool never grows after New. Acquire, Release and Fail
// are serialized by a single mutex and never block beyond it.
type ProxyPool struct {
	mu         sync.Mutex
	queue      []*model.ProxyRecord
	head       int
	checkedOut map[*model.ProxyRecord]struct{}
	initial    int
	discarded  int

	downloadDelay  time.Duration
	errorThreshold int
	observer       Observer
}

// Option customizes a ProxyPool.
type Option func(*ProxyPool)

// WithObserver sets the receiver of pool events.
func WithObserver(o Observer) Option {
	return func(p *ProxyPool) {
		if o != nil {
			p.observer = o
		}
	}
}

// Stats is a point-in-time view of the pool.
// Available + CheckedOut + Discarded always equals Initial.
type Stats struct {
	Initial        int           `json:"initial"`
	Available      int           `json:"available"`
	CheckedOut     int           `json:"checked_out"`
	Discarded      int           `json:"discarded"`
	DownloadDelay  time.Duration `json:"download_delay"`
	ErrorThreshold int           `json:"error_threshold"`
}

// New builds a pool holding records in their given order. The pool takes
// ownership of the records and resets their rotation state.
func New(records []*model.ProxyRecord, downloadDelay time.Duration, errorThreshold int, opts ...Option) (*ProxyPool, error) {
	if len(records) == 0 {
		return nil, &ConfigurationError{Reason: "proxy list is empty"}
	}
	if downloadDelay < 0 {
		return nil, &ConfigurationError{Reason: "download delay cannot be negative"}
	}
	if errorThreshold < 0 {
		return nil, &ConfigurationError{Reason: "error threshold cannot be negative"}
	}

	queue := make([]*model.ProxyRecord, 0, len(records))
	seen := make(map[*model.ProxyRecord]struct{}, len(records))
	for i, r := range records {
		if r == nil || r.Address == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("record %d has no address", i)}
		}
		if _, dup := seen[r]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("record %s appears twice", r.Address)}
		}
		seen[r] = struct{}{}
		r.LastUsedAt = time.Time{}
		r.FailureCount = 0
		queue = append(queue, r)
	}

	p := &ProxyPool{
		queue:          queue,
		checkedOut:     make(map[*model.ProxyRecord]struct{}),
		initial:        len(queue),
		downloadDelay:  downloadDelay,
		errorThreshold: errorThreshold,
		observer:       nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire takes the record at the front of the queue and returns it with
// the advisory delay the caller should wait before using it. The pool does
// not wait itself. Every lease must be resolved with Release or Fail, or the
// record is lost from rotation.
func (p *ProxyPool) Acquire(now time.Time) (*Lease, time.Duration, error) {
	p.mu.Lock()
	if p.lenLocked() == 0 {
		err := &PoolExhaustedError{
			Initial:    p.initial,
			CheckedOut: len(p.checkedOut),
			Discarded:  p.discarded,
		}
		p.mu.Unlock()
		p.observer.OnPoolEvent(Event{Kind: EventExhausted, At: now})
		return nil, 0, err
	}

	rec := p.popFront()
	p.checkedOut[rec] = struct{}{}
	delay := ReuseDelay(rec.LastUsedAt, now, p.downloadDelay)
	ev := p.eventLocked(EventAcquired, rec, now)
	ev.Delay = delay
	p.mu.Unlock()

	p.observer.OnPoolEvent(ev)
	return &Lease{pool: p, rec: rec}, delay, nil
}

// Release reports a successful exchange through rec. The failure count is
// reset and the record goes to the back of the queue.
func (p *ProxyPool) Release(rec *model.ProxyRecord, now time.Time) {
	p.mu.Lock()
	if !p.checkInLocked(rec) {
		ev := p.eventLocked(EventRejected, rec, now)
		p.mu.Unlock()
		p.observer.OnPoolEvent(ev)
		return
	}
	rec.FailureCount = 0
	rec.LastUsedAt = now
	p.queue = append(p.queue, rec)
	ev := p.eventLocked(EventReleased, rec, now)
	p.mu.Unlock()

	p.observer.OnPoolEvent(ev)
}

// Fail reports a failed exchange through rec. The record is requeued while
// its failure count stays within the threshold and discarded for good once
// it exceeds it.
func (p *ProxyPool) Fail(rec *model.ProxyRecord, now time.Time) {
	p.fail(rec, now)
}

// fail reports whether rec crossed the threshold and left the pool.
func (p *ProxyPool) fail(rec *model.ProxyRecord, now time.Time) bool {
	p.mu.Lock()
	if !p.checkInLocked(rec) {
		ev := p.eventLocked(EventRejected, rec, now)
		p.mu.Unlock()
		p.observer.OnPoolEvent(ev)
		return false
	}
	rec.LastUsedAt = now
	rec.FailureCount++

	kind := EventFailed
	if rec.FailureCount <= p.errorThreshold {
		p.queue = append(p.queue, rec)
	} else {
		p.discarded++
		kind = EventDiscarded
	}
	ev := p.eventLocked(kind, rec, now)
	p.mu.Unlock()

	p.observer.OnPoolEvent(ev)
	return kind == EventDiscarded
}

// Len returns the number of records waiting in the queue.
func (p *ProxyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lenLocked()
}

func (p *ProxyPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Initial:        p.initial,
		Available:      p.lenLocked(),
		CheckedOut:     len(p.checkedOut),
		Discarded:      p.discarded,
		DownloadDelay:  p.downloadDelay,
		ErrorThreshold: p.errorThreshold,
	}
}

// Queued returns the addresses waiting in the queue, front first.
func (p *ProxyPool) Queued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, p.lenLocked())
	for _, r := range p.queue[p.head:] {
		out = append(out, r.Address)
	}
	return out
}

// ReuseDelay computes how long a caller should wait before reusing a proxy
// last used at lastUsed. A zero lastUsed means the proxy was never used. A
// negative elapsed time (clock skew) yields the full downloadDelay.
func ReuseDelay(lastUsed, now time.Time, downloadDelay time.Duration) time.Duration {
	if lastUsed.IsZero() {
		return 0
	}
	elapsed := now.Sub(lastUsed)
	switch {
	case elapsed < 0:
		return downloadDelay
	case elapsed >= downloadDelay:
		return 0
	default:
		return downloadDelay - elapsed
	}
}

func (p *ProxyPool) checkInLocked(rec *model.ProxyRecord) bool {
	if _, ok := p.checkedOut[rec]; !ok {
		return false
	}
	delete(p.checkedOut, rec)
	return true
}

func (p *ProxyPool) lenLocked() int {
	return len(p.queue) - p.head
}

// popFront is amortized O(1): the consumed prefix is compacted away once it
// reaches half of the backing array.
func (p *ProxyPool) popFront() *model.ProxyRecord {
	rec := p.queue[p.head]
	p.queue[p.head] = nil
	p.head++
	if p.head == len(p.queue) {
		p.queue = p.queue[:0]
		p.head = 0
	} else if p.head*2 >= cap(p.queue) {
		n := copy(p.queue, p.queue[p.head:])
		clear(p.queue[n:])
		p.queue = p.queue[:n]
		p.head = 0
	}
	return rec
}

func (p *ProxyPool) eventLocked(kind EventKind, rec *model.ProxyRecord, now time.Time) Event {
	ev := Event{Kind: kind, Available: p.lenLocked(), At: now}
	if rec != nil {
		ev.RecordID = rec.ID
		ev.Address = rec.Address
		ev.FailureCount = rec.FailureCount
	}
	return ev
}
