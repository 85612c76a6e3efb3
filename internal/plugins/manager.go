// Package plugins connects external MCP servers and publishes their tools in
// the tool catalog, so LLM nodes can bind them like built-in tools.
package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/tools"
	"github.com/rendis/flowengine/pkg/schema"
)

// Tool set status values reported by Status.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusCrashed   = "crashed"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultBackoff        = time.Second
	maxBackoff            = 60 * time.Second
	pingTimeout           = 10 * time.Second
	maxPingFailures       = 3
)

// ToolSetConfig describes how to launch an external MCP server.
type ToolSetConfig struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Prefix is prepended to every tool name; defaults to "<id>.".
	Prefix string `json:"prefix,omitempty"`
}

func (c ToolSetConfig) prefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	return c.ID + "."
}

// MCPClient is the subset of an MCP client the manager uses.
// Satisfied by *client.Client.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a client for a tool set. The returned client must be ready
// for Initialize.
type Dialer func(ctx context.Context, cfg ToolSetConfig) (MCPClient, error)

// StdioDialer launches cfg.Command as a subprocess speaking MCP over stdio.
func StdioDialer(_ context.Context, cfg ToolSetConfig) (MCPClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Manager.
type Options struct {
	Dialer         Dialer        // defaults to StdioDialer
	HealthInterval time.Duration // defaults to 30s
	Backoff        time.Duration // base restart delay, defaults to 1s
	Logger         *slog.Logger
}

// Manager owns the connections to external tool sets.
type Manager struct {
	catalog        *tools.Catalog
	dial           Dialer
	healthInterval time.Duration
	backoff        time.Duration
	logger         *slog.Logger

	mu   sync.RWMutex
	sets map[string]*toolSet
}

type toolSet struct {
	cfg      ToolSetConfig
	client   MCPClient
	tools    []string
	status   string
	errCount int
	lastErr  string
	cancel   context.CancelFunc
}

// NewManager creates a Manager that registers discovered tools in catalog.
func NewManager(catalog *tools.Catalog, opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = StdioDialer
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		catalog:        catalog,
		dial:           opts.Dialer,
		healthInterval: opts.HealthInterval,
		backoff:        opts.Backoff,
		logger:         opts.Logger,
		sets:           make(map[string]*toolSet),
	}
}

// Load connects a tool set, registers its tools and starts health checks.
// Returns the registered tool codes.
func (m *Manager) Load(ctx context.Context, cfg ToolSetConfig) ([]string, error) {
	if cfg.ID == "" || cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool set requires id and command")
	}
	m.mu.RLock()
	_, exists := m.sets[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "tool set %q already loaded", cfg.ID)
	}

	c, err := m.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, schema.Upstream("list tools of "+cfg.ID, err)
	}

	defs := make([]tools.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		code := cfg.prefix() + t.Name
		if _, err := m.catalog.Get(code); err == nil {
			_ = c.Close()
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "tool set %q: tool %q already registered", cfg.ID, code)
		}
		spec := t
		spec.Name = code
		defs = append(defs, tools.Tool{Code: code, Schema: spec, Handler: m.callHandler(cfg.ID, t.Name)})
	}

	ts := &toolSet{cfg: cfg, client: c, status: StatusHealthy}
	for _, d := range defs {
		if err := m.catalog.Register(d); err != nil {
			_ = c.Close()
			return nil, err
		}
		ts.tools = append(ts.tools, d.Code)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ts.cancel = cancel

	m.mu.Lock()
	m.sets[cfg.ID] = ts
	m.mu.Unlock()

	go m.healthCheckLoop(loopCtx, ts)

	m.logger.Info("tool set loaded", slog.String("id", cfg.ID), slog.Int("tools", len(ts.tools)))
	return ts.tools, nil
}

// LoadAll loads every config, logging and skipping the ones that fail.
// Returns the number loaded.
func (m *Manager) LoadAll(ctx context.Context, cfgs []ToolSetConfig) int {
	n := 0
	for _, cfg := range cfgs {
		if _, err := m.Load(ctx, cfg); err != nil {
			m.logger.Warn("tool set not loaded", slog.String("id", cfg.ID), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n
}

func (m *Manager) connect(ctx context.Context, cfg ToolSetConfig) (MCPClient, error) {
	c, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, schema.Upstream("start tool set "+cfg.ID, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "flowengine", Version: "1.0.0"}
	res, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, schema.Upstream("handshake with tool set "+cfg.ID, err)
	}
	m.logger.Debug("tool set initialized",
		slog.String("id", cfg.ID),
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol", res.ProtocolVersion),
	)
	return c, nil
}

// callHandler resolves the tool set's current client on every call, so a
// restarted connection is picked up without re-registering.
func (m *Manager) callHandler(setID, toolName string) tools.Handler {
	return func(ctx context.Context, _ *execution.Context, params map[string]any) (any, error) {
		m.mu.RLock()
		var c MCPClient
		if ts, ok := m.sets[setID]; ok && ts.status == StatusHealthy {
			c = ts.client
		}
		m.mu.RUnlock()
		if c == nil {
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "tool set %q is not available", setID)
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = params
		res, err := c.CallTool(ctx, req)
		if err != nil {
			return nil, err
		}

		text := contentText(res.Content)
		if res.IsError {
			if text == "" {
				text = "tool returned an error"
			}
			return nil, errors.New(text)
		}
		if res.StructuredContent != nil {
			return res.StructuredContent, nil
		}
		var v any
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return v, nil
		}
		return text, nil
	}
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if t, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// healthCheckLoop pings the tool set and restarts it after repeated failures.
func (m *Manager) healthCheckLoop(ctx context.Context, ts *toolSet) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		c, status := ts.client, ts.status
		m.mu.RUnlock()

		if status == StatusCrashed {
			m.restart(ctx, ts)
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.Ping(pingCtx)
		cancel()

		m.mu.Lock()
		if err == nil {
			ts.errCount = 0
			ts.lastErr = ""
			m.mu.Unlock()
			continue
		}
		ts.errCount++
		ts.lastErr = err.Error()
		failures := ts.errCount
		if failures >= maxPingFailures {
			ts.status = StatusUnhealthy
		}
		m.mu.Unlock()

		if failures >= maxPingFailures {
			m.logger.Warn("tool set unhealthy",
				slog.String("id", ts.cfg.ID),
				slog.Int("consecutive_errors", failures),
				slog.String("error", err.Error()),
			)
			m.restart(ctx, ts)
		}
	}
}

// restart reconnects a tool set after an exponential backoff:
// min(base * 2^errors, 60s).
func (m *Manager) restart(ctx context.Context, ts *toolSet) {
	m.mu.Lock()
	delay := time.Duration(math.Min(
		float64(m.backoff)*math.Pow(2, float64(ts.errCount)),
		float64(maxBackoff),
	))
	old := ts.client
	ts.client = nil
	ts.status = StatusCrashed
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.logger.Info("restarting tool set", slog.String("id", ts.cfg.ID), slog.Duration("backoff", delay))
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	c, err := m.connect(ctx, ts.cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		ts.errCount++
		ts.lastErr = err.Error()
		m.logger.Error("tool set restart failed", slog.String("id", ts.cfg.ID), slog.String("error", err.Error()))
		return
	}
	if ctx.Err() != nil {
		_ = c.Close()
		return
	}
	ts.client = c
	ts.status = StatusHealthy
	ts.errCount = 0
	ts.lastErr = ""
}

// Status returns the status of every loaded tool set.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.sets))
	for id, ts := range m.sets {
		out[id] = ts.status
	}
	return out
}

// Tools returns the catalog codes registered by the given tool set.
func (m *Manager) Tools(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts, ok := m.sets[id]
	if !ok {
		return nil
	}
	out := append([]string(nil), ts.tools...)
	sort.Strings(out)
	return out
}

// StopAll stops health checks and closes every connection. Tools stay in the
// catalog but fail with UPSTREAM_ERROR.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	clients := make(map[string]MCPClient, len(m.sets))
	for id, ts := range m.sets {
		ts.cancel()
		if ts.client != nil {
			clients[id] = ts.client
			ts.client = nil
		}
	}
	m.sets = make(map[string]*toolSet)
	m.mu.Unlock()

	var errs []error
	for id, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
			m.logger.Error("failed to stop tool set", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}
