package capability

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/proc"
)

const (
	clientName    = "swarm"
	clientVersion = "0.1.0"

	defaultCloseGrace = 5 * time.Second
)

// MCPLauncher starts providers that speak the Model Context Protocol, either
// as child processes over stdio or as streamable HTTP endpoints.
type MCPLauncher struct {
	GracePeriod time.Duration // How long Close waits before killing a stdio provider
	Tracker     *proc.Tracker // Optional; stdio providers are registered here
	Logger      *slog.Logger
}

// Launch connects to def and completes the MCP handshake.
func (l *MCPLauncher) Launch(ctx context.Context, def ProviderDefinition) (Session, error) {
	switch def.Launch.Kind() {
	case TransportHTTP:
		return l.launchHTTP(ctx, def)
	default:
		return l.launchStdio(ctx, def)
	}
}

func (l *MCPLauncher) grace() time.Duration {
	if l.GracePeriod > 0 {
		return l.GracePeriod
	}
	return defaultCloseGrace
}

func (l *MCPLauncher) launchStdio(ctx context.Context, def ProviderDefinition) (Session, error) {
	log := logging.OrDefault(l.Logger).With("provider", def.Name)

	env := make([]string, 0, len(def.Launch.Env))
	for k, v := range def.Launch.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	var cmd *exec.Cmd
	tr := transport.NewStdioWithOptions(def.Launch.Command, env, def.Launch.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd = proc.Command(ctx, l.grace(), command, args...)
			cmd.Env = proc.Environ(nil, env...)
			return cmd, nil
		}),
	)

	// The transport keeps the start context for the life of the process, so it
	// must not be the launch deadline.
	sessCtx, cancel := context.WithCancel(context.Background())
	c := client.NewClient(tr)
	if err := c.Start(sessCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", def.Launch.Command, err)
	}
	l.Tracker.Track(cmd)

	if stderr, ok := client.GetStderr(c); ok {
		go forwardStderr(stderr, log)
	}

	s := &mcpSession{
		client:  c,
		cancel:  cancel,
		cmd:     cmd,
		tracker: l.Tracker,
		grace:   l.grace(),
	}
	if err := s.initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}
	log.Debug("stdio provider started", "pid", cmd.Process.Pid)
	return s, nil
}

func (l *MCPLauncher) launchHTTP(ctx context.Context, def ProviderDefinition) (Session, error) {
	var opts []transport.StreamableHTTPCOption
	if len(def.Launch.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(def.Launch.Headers))
	}
	if def.CallTimeout > 0 {
		opts = append(opts, transport.WithHTTPTimeout(def.CallTimeout))
	}

	c, err := client.NewStreamableHttpClient(def.Launch.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", def.Launch.URL, err)
	}
	return NewMCPSession(ctx, c)
}

// NewMCPSession starts c and performs the MCP handshake. It is used for HTTP
// endpoints and for servers embedded in the same process.
func NewMCPSession(ctx context.Context, c *client.Client) (Session, error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	if err := c.Start(sessCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("starting client: %w", err)
	}
	s := &mcpSession{client: c, cancel: cancel, grace: defaultCloseGrace}
	if err := s.initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func forwardStderr(r io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug("provider stderr", "line", scanner.Text())
	}
}

// mcpSession adapts an mcp-go client to Session.
type mcpSession struct {
	client  *client.Client
	cancel  context.CancelFunc
	cmd     *exec.Cmd // nil unless stdio
	tracker *proc.Tracker
	grace   time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *mcpSession) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := s.client.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	return nil
}

func (s *mcpSession) ListCapabilities(ctx context.Context) ([]Capability, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	caps := make([]Capability, 0, len(res.Tools))
	for _, t := range res.Tools {
		caps = append(caps, Capability{Name: t.Name, Description: t.Description})
	}
	return caps, nil
}

func (s *mcpSession) Invoke(ctx context.Context, capability string, args map[string]any) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = capability
	req.Params.Arguments = args

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &Result{Structured: res.StructuredContent, IsError: res.IsError}
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			out.Content = append(out.Content, tc.Text)
		}
	}
	return out, nil
}

func (s *mcpSession) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.client.Ping(ctx)
}

// Close shuts the client down. A stdio provider that does not exit within
// the grace period after its stdin closes is terminated.
func (s *mcpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		done := make(chan error, 1)
		go func() { done <- s.client.Close() }()

		select {
		case s.closeErr = <-done:
			s.cancel()
		case <-time.After(s.grace):
			// Cancelling the start context signals the process group.
			s.cancel()
			<-done
		}
		s.tracker.Untrack(s.cmd)
	})
	return s.closeErr
}
