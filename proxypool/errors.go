package proxypool

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("proxypool: configuration error")
	// ErrPoolExhausted matches every *PoolExhaustedError via errors.Is.
	ErrPoolExhausted = errors.New("proxypool: no proxies available")
	// ErrLeaseResolved is returned when a lease is released or failed twice.
	ErrLeaseResolved = errors.New("proxypool: lease already resolved")
)

// ConfigurationError is returned when the pool cannot be built, either by
// New or by a caller whose proxy source is unusable. Err keeps the cause.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "proxypool: invalid configuration: " + e.Reason + ": " + e.Err.Error()
	}
	return "proxypool: invalid configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// PoolExhaustedError is returned by Acquire when the queue is empty, either
// because every record is checked out or because the rest were discarded.
type PoolExhaustedError struct {
	Initial    int
	CheckedOut int
	Discarded  int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("proxypool: no proxies available (%d checked out, %d discarded of %d)",
		e.CheckedOut, e.Discarded, e.Initial)
}

func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}
