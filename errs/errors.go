// Package errs defines the typed error kinds surfaced across the backend
// session core (spec §7): Cancelled, Timeout, AuthRequired, AuthFailed,
// HostKeyMismatch, Unreachable, ProtocolViolation, ResourceExhausted,
// NotFound, AlreadyExists, BusyRetryLater, Unsupported, Transient, Internal.
//
// Each kind is a distinct instantiation of the generic Error[C] wrapper so
// that callers can use errors.As to recover kind-specific context instead of
// string-matching messages.
package errs

import (
	"fmt"
	"reflect"
)

// ErrContext supplies the human-readable message slot for one error kind.
type ErrContext interface {
	message() string
}

// Error wraps an inner cause with kind-specific context. Two Error[C] values
// are errors.Is-equal whenever C is the same concrete type, regardless of
// Inner or Context field values, which lets callers check "is this a
// Timeout" without caring about its payload.
type Error[C ErrContext] struct {
	Inner   error
	Context C
}

func (e Error[C]) Unwrap() error { return e.Inner }

func (e Error[C]) Error() string {
	msg := e.Context.message()
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", msg, e.Inner)
	}
	return msg
}

func (e Error[C]) Is(other error) bool {
	return reflect.TypeOf(e) == reflect.TypeOf(other)
}

// Tag is a machine-readable discriminator attached to certain error kinds,
// e.g. CHAIN_LOCK_BUSY, NODE_LOCK_BUSY, or a formatted
// CONNECTION_CHAIN_FAILED: position p/n.
type Tag string

const (
	TagChainLockBusy Tag = "CHAIN_LOCK_BUSY"
	TagNodeLockBusy  Tag = "NODE_LOCK_BUSY"
)

// ChainFailedTag formats the §7 CONNECTION_CHAIN_FAILED tag for the given
// hop position in an N-hop bastion chain.
func ChainFailedTag(position, total int) Tag {
	return Tag(fmt.Sprintf("CONNECTION_CHAIN_FAILED: %d/%d", position, total))
}

type ErrCancelled = Error[CancelledContext]
type CancelledContext struct{}

func (CancelledContext) message() string { return "operation cancelled" }

type ErrTimeout = Error[TimeoutContext]
type TimeoutContext struct{ Operation string }

func (c TimeoutContext) message() string {
	return fmt.Sprintf("timed out waiting for %s", c.Operation)
}

type ErrAuthRequired = Error[AuthRequiredContext]
type AuthRequiredContext struct{ NodeID string }

func (c AuthRequiredContext) message() string {
	return fmt.Sprintf("node %s requires interactive authentication", c.NodeID)
}

type ErrAuthFailed = Error[AuthFailedContext]
type AuthFailedContext struct{ NodeID string }

func (c AuthFailedContext) message() string {
	return fmt.Sprintf("authentication failed for node %s", c.NodeID)
}

type ErrHostKeyMismatch = Error[HostKeyMismatchContext]
type HostKeyMismatchContext struct {
	Host       string
	Fingerprint string
}

func (c HostKeyMismatchContext) message() string {
	return fmt.Sprintf("host key for %s does not match known_hosts (got %s)", c.Host, c.Fingerprint)
}

type ErrUnreachable = Error[UnreachableContext]
type UnreachableContext struct{ Address string }

func (c UnreachableContext) message() string {
	return fmt.Sprintf("unreachable: %s", c.Address)
}

type ErrProtocolViolation = Error[ProtocolViolationContext]
type ProtocolViolationContext struct{ Reason string }

func (c ProtocolViolationContext) message() string {
	return fmt.Sprintf("protocol violation: %s", c.Reason)
}

type ErrResourceExhausted = Error[ResourceExhaustedContext]
type ResourceExhaustedContext struct{ Resource string }

func (c ResourceExhaustedContext) message() string {
	return fmt.Sprintf("resource exhausted: %s", c.Resource)
}

type ErrNotFound = Error[NotFoundContext]
type NotFoundContext struct {
	Kind string
	ID   string
}

func (c NotFoundContext) message() string {
	return fmt.Sprintf("%s %s not found", c.Kind, c.ID)
}

type ErrAlreadyExists = Error[AlreadyExistsContext]
type AlreadyExistsContext struct {
	Kind string
	ID   string
}

func (c AlreadyExistsContext) message() string {
	return fmt.Sprintf("%s %s already exists", c.Kind, c.ID)
}

type ErrBusyRetryLater = Error[BusyRetryLaterContext]
type BusyRetryLaterContext struct{ Tag Tag }

func (c BusyRetryLaterContext) message() string {
	return fmt.Sprintf("busy, retry later (%s)", c.Tag)
}

type ErrUnsupported = Error[UnsupportedContext]
type UnsupportedContext struct{ Reason string }

func (c UnsupportedContext) message() string {
	return fmt.Sprintf("unsupported: %s", c.Reason)
}

type ErrTransient = Error[TransientContext]
type TransientContext struct{ Operation string }

func (c TransientContext) message() string {
	return fmt.Sprintf("transient failure during %s", c.Operation)
}

type ErrInternal = Error[InternalContext]
type InternalContext struct{ Detail string }

func (c InternalContext) message() string {
	if c.Detail == "" {
		return "internal error"
	}
	return fmt.Sprintf("internal error: %s", c.Detail)
}
