package proxypool

import (
	"context"
	"sync/atomic"
	"time"

	"proxyrotator/proxypool/model"
)

// Lease is a checked-out record. Its only valid dispositions are Release and
// Fail; the first one wins and later calls return ErrLeaseResolved.
type Lease struct {
	pool      *ProxyPool
	rec       *model.ProxyRecord
	resolved  atomic.Bool
	discarded atomic.Bool
}

// Record returns the leased proxy. Address and Credential are safe to read
// at any time; the rotation fields belong to the pool.
func (l *Lease) Record() *model.ProxyRecord {
	return l.rec
}

func (l *Lease) Release(now time.Time) error {
	if !l.resolved.CompareAndSwap(false, true) {
		return ErrLeaseResolved
	}
	l.pool.Release(l.rec, now)
	return nil
}

func (l *Lease) Fail(now time.Time) error {
	if !l.resolved.CompareAndSwap(false, true) {
		return ErrLeaseResolved
	}
	if l.pool.fail(l.rec, now) {
		l.discarded.Store(true)
	}
	return nil
}

func (l *Lease) Resolved() bool {
	return l.resolved.Load()
}

// Discarded reports whether Fail pushed the record past the error threshold.
func (l *Lease) Discarded() bool {
	return l.discarded.Load()
}

// Do runs fn with a leased proxy and resolves the lease on every exit path.
// It waits out the advisory delay first, honoring ctx. A nil result releases
// the proxy; an error, a cancelled wait or a panic fails it. Panics are
// re-raised after the lease is resolved.
func (p *ProxyPool) Do(ctx context.Context, now func() time.Time, fn func(context.Context, *model.ProxyRecord) error) (err error) {
	if now == nil {
		now = time.Now
	}
	lease, delay, err := p.Acquire(now())
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			lease.Fail(now())
			panic(r)
		}
		if err != nil {
			lease.Fail(now())
		} else {
			lease.Release(now())
		}
	}()

	if err = Wait(ctx, delay); err != nil {
		return err
	}
	return fn(ctx, lease.Record())
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
