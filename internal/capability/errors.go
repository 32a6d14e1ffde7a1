package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies capability errors.
type Kind string

const (
	KindProviderNotFound Kind = "provider_not_found"
	KindLaunchFailed     Kind = "launch_failed"
	KindInvocationFailed Kind = "invocation_failed"
	KindTimeout          Kind = "timeout"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrLaunchFailed     = errors.New("provider launch failed")
	ErrInvocationFailed = errors.New("capability invocation failed")
	ErrTimeout          = errors.New("capability call timed out")
	ErrSessionClosed    = errors.New("session closed")
)

var kindSentinels = map[Kind]error{
	KindProviderNotFound: ErrProviderNotFound,
	KindLaunchFailed:     ErrLaunchFailed,
	KindInvocationFailed: ErrInvocationFailed,
	KindTimeout:          ErrTimeout,
}

// Error is returned by Manager operations. errors.Is matches it against the
// sentinel for its Kind as well as anything in the wrapped chain.
type Error struct {
	Kind       Kind
	Provider   string
	Capability string
	Restarted  bool // A restart was attempted before giving up
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %q", e.Provider)
	if e.Capability != "" {
		fmt.Fprintf(&b, " capability %q", e.Capability)
	}
	b.WriteString(": ")
	b.WriteString(kindSentinels[e.Kind].Error())
	if e.Restarted {
		b.WriteString(" after restart")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == kindSentinels[e.Kind]
}

func newError(kind Kind, provider, capability string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Capability: capability, Err: err}
}
