package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aristath/swarm/internal/logging"
)

const (
	// GatewayURLEnv carries the gateway endpoint into worker processes.
	GatewayURLEnv = "SWARM_CAPABILITY_URL"

	GatewayPath = "/mcp"

	gatewayInstructions = "Every capability offered by the swarm's providers, named provider__capability. " +
		"Providers are started on first use."
)

// Gateway serves the manager's catalogue as one MCP server, so a worker can
// reach every provider through a single endpoint. Each tool call is routed
// through Manager.Execute and therefore starts providers lazily.
type Gateway struct {
	manager *Manager
	server  *mcpserver.MCPServer
	logger  *slog.Logger

	mu      sync.Mutex
	known   map[string]bool
	httpSrv *http.Server
	url     string
}

// NewGateway registers the current catalogue of m.
func NewGateway(m *Manager, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	g := &Gateway{
		manager: m,
		server: mcpserver.NewMCPServer(
			clientName,
			clientVersion,
			mcpserver.WithInstructions(gatewayInstructions),
			mcpserver.WithToolCapabilities(true),
		),
		logger: logger.With("component", "gateway"),
		known:  make(map[string]bool),
	}
	g.Refresh()
	return g
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *mcpserver.MCPServer { return g.server }

// Refresh registers catalogue entries not yet exposed, such as capabilities
// discovered after a provider launched.
func (g *Gateway) Refresh() {
	g.mu.Lock()
	var added []mcpserver.ServerTool
	for _, e := range g.manager.Tools() {
		if g.known[e.QualifiedName] {
			continue
		}
		g.known[e.QualifiedName] = true
		desc := e.Description
		if desc == "" {
			desc = fmt.Sprintf("%s capability of provider %s", e.Capability, e.Provider)
		}
		added = append(added, mcpserver.ServerTool{
			Tool:    mcp.NewTool(e.QualifiedName, mcp.WithDescription(desc)),
			Handler: g.handle(e.QualifiedName),
		})
	}
	g.mu.Unlock()

	if len(added) > 0 {
		g.server.AddTools(added...)
		g.logger.Debug("gateway tools registered", "count", len(added))
	}
}

func (g *Gateway) handle(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := g.manager.Execute(ctx, name, req.GetArguments())
		// A first call may have discovered more capabilities.
		g.Refresh()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := &mcp.CallToolResult{IsError: res.IsError}
		for _, text := range res.Content {
			out.Content = append(out.Content, mcp.NewTextContent(text))
		}
		if res.Structured != nil {
			out.StructuredContent = res.Structured
		}
		return out, nil
	}
}

// Start serves the gateway over streamable HTTP on addr and returns the
// endpoint URL. An empty addr picks a free loopback port.
func (g *Gateway) Start(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("gateway listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(GatewayPath, mcpserver.NewStreamableHTTPServer(g.server))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.mu.Lock()
	g.httpSrv = srv
	g.url = "http://" + ln.Addr().String() + GatewayPath
	url := g.url
	g.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway stopped", "error", err)
		}
	}()
	g.logger.Info("capability gateway listening", "url", url)
	return url, nil
}

// URL is the endpoint set by Start, or empty.
func (g *Gateway) URL() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.url
}

// Shutdown stops the HTTP listener. It is a no-op if Start was never called.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	srv := g.httpSrv
	g.httpSrv = nil
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
