package broker

import (
	"context"
	"errors"
	"fmt"
)

// ActivationFault tags the portion of the request pipeline in which a
// ServiceActivationFailed originated; useful to operators reading logs
// without having to parse the wrapped error's message.
type ActivationFault string

const (
	FaultFactory       ActivationFault = "factory"
	FaultAuthorization ActivationFault = "authorization"
	FaultHostActivation ActivationFault = "host_activation"
	FaultRemoteChannel ActivationFault = "remote_channel"
)

// ServiceActivationFailed wraps any non-cancellation error raised while
// producing a service instance: a faulted factory or a failed RPC
// channel. It is the single exception type the request pipeline
// surfaces to callers; everything else that goes wrong on the lookup
// path is a Miss, not an error. A failed or erroring authorization
// check declines with a nil result, and a failed host activation is
// only logged; neither is wrapped here.
type ServiceActivationFailed struct {
	Identity Identity
	Fault    ActivationFault
	Err      error
}

func (e *ServiceActivationFailed) Error() string {
	return fmt.Sprintf("service activation failed for %s (%s): %v", e.Identity, e.Fault, e.Err)
}

func (e *ServiceActivationFailed) Unwrap() error {
	return e.Err
}

// WrapActivationError wraps err as a ServiceActivationFailed unless it
// already is one, in which case it is returned unchanged so nesting
// never double-wraps a single root cause. Cancellation from the
// caller's own context is never wrapped either: it rethrows unchanged
// so callers can keep matching it with errors.Is(err, context.Canceled)
// instead of having to unwrap a ServiceActivationFailed first.
func WrapActivationError(identity Identity, fault ActivationFault, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var already *ServiceActivationFailed
	if asActivationFailed(err, &already) {
		return already
	}
	return &ServiceActivationFailed{Identity: identity, Fault: fault, Err: err}
}

func asActivationFailed(err error, target **ServiceActivationFailed) bool {
	if e, ok := err.(*ServiceActivationFailed); ok {
		*target = e
		return true
	}
	return false
}

// ErrInvariantViolation is a programming error raised by Proffer when a
// proffer-time invariant is violated (duplicate identity within a
// source, unregistered identity in monikers, a second remote proffer for
// an already-occupied remote source). These are bugs in the caller, not
// runtime faults to recover from: Proffer returns this error and leaves
// the index unchanged.
type ErrInvariantViolation struct {
	Reason string
}

func (e *ErrInvariantViolation) Error() string {
	return "proffer invariant violated: " + e.Reason
}
