package capability

import (
	"context"
	"strings"
)

// Result is the outcome of a capability invocation. IsError marks a failure
// reported by the capability itself; the transport worked and no restart is
// attempted.
type Result struct {
	Content    []string // Text parts in order
	Structured any
	IsError    bool
}

// Text joins the text parts with newlines.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Content, "\n")
}

// Session is a live connection to one provider.
type Session interface {
	ListCapabilities(ctx context.Context) ([]Capability, error)
	Invoke(ctx context.Context, capability string, args map[string]any) (*Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Launcher starts providers. ctx bounds the launch only; the returned
// session outlives it.
type Launcher interface {
	Launch(ctx context.Context, def ProviderDefinition) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, def ProviderDefinition) (Session, error)

func (f LauncherFunc) Launch(ctx context.Context, def ProviderDefinition) (Session, error) {
	return f(ctx, def)
}
