package logger

import (
	"github.com/rs/zerolog"

	"proxyrotator/proxypool"
)

// PoolObserver 将代理池事件写成结构化日志。
// Routine traffic (acquired, released) logs at debug; failures at info;
// discards, exhaustion and rejected calls at warn.
type PoolObserver struct {
	log zerolog.Logger
}

var _ proxypool.Observer = (*PoolObserver)(nil)

// NewPoolObserver returns an observer logging under the "ProxyPool" component.
// Call it after Init so it picks up the configured logger.
func NewPoolObserver() *PoolObserver {
	return &PoolObserver{log: WithComponent("ProxyPool")}
}

func (o *PoolObserver) OnPoolEvent(e proxypool.Event) {
	var ev *zerolog.Event
	var msg string
	switch e.Kind {
	case proxypool.EventAcquired:
		ev, msg = o.log.Debug(), "Proxy acquired."
	case proxypool.EventReleased:
		ev, msg = o.log.Debug(), "Proxy released."
	case proxypool.EventFailed:
		ev, msg = o.log.Info(), "Proxy failed, requeued."
	case proxypool.EventDiscarded:
		ev, msg = o.log.Warn(), "Proxy discarded after too many failures."
	case proxypool.EventExhausted:
		o.log.Warn().Int("available", e.Available).Msg("Proxy pool exhausted.")
		return
	case proxypool.EventRejected:
		ev, msg = o.log.Warn(), "Ignored release/fail for a proxy that is not checked out."
	default:
		ev, msg = o.log.Debug(), "Unknown pool event."
	}

	ev = ev.Str("event", string(e.Kind)).
		Str("proxy_id", e.RecordID).
		Str("proxy", e.Address).
		Int("failures", e.FailureCount).
		Int("available", e.Available)
	if e.Delay > 0 {
		ev = ev.Dur("delay", e.Delay)
	}
	ev.Msg(msg)
}
