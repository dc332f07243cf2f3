// Package tools hosts the functions the call LLM can invoke. In-process
// tools are registered as Go functions; external MCP servers (stdio or
// streamable-HTTP, via the official MCP Go SDK) can be attached and their
// tool catalogues imported alongside.
//
// The process-wide [Host] owns shared tools and server connections. Each
// live call builds a [Registry] on top of it, binding the per-call tools
// whose handlers close over that call's session state.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmdzco/donna2/pkg/provider/llm"
)

// Transport selects how an external MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable_http"
)

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server; re-registering a name replaces it.
	Name string

	Transport Transport

	// Command is the stdio server command line (split on spaces).
	Command string

	// URL is the streamable-HTTP endpoint.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// BuiltinTool is an in-process tool: a definition presented to the LLM and
// the Go function invoked when the LLM calls it.
type BuiltinTool struct {
	Definition llm.ToolDefinition

	// Handler receives the call arguments as a JSON object string.
	Handler func(ctx context.Context, args string) (string, error)
}

// toolEntry is one registered tool.
type toolEntry struct {
	def        llm.ToolDefinition
	serverName string
	builtinFn  func(ctx context.Context, args string) (string, error)
}

// builtinServerName is the pseudo server name for in-process tools.
const builtinServerName = "__builtin__"

// Host is the process-wide tool catalogue. Safe for concurrent use.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	client *mcpsdk.Client
}

// NewHost creates an empty Host.
func NewHost() *Host {
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client:  mcpsdk.NewClient(&mcpsdk.Implementation{Name: "donna-tools", Version: "1.0.0"}, nil),
	}
}

// RegisterBuiltin adds an in-process tool, replacing any tool with the
// same name.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}

// RegisterServer connects to an external MCP server and imports its tool
// catalogue. Re-registering a name closes the old connection and drops its
// tools first.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, tool := range discovered {
		h.tools[tool.Name] = toolEntry{
			def: llm.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// Definitions returns the catalogue, or only the named tools when names are
// given. Unknown names are skipped.
func (h *Host) Definitions(names ...string) []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(names) == 0 {
		defs := make([]llm.ToolDefinition, 0, len(h.tools))
		for _, e := range h.tools {
			defs = append(defs, e.def)
		}
		return defs
	}
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if e, ok := h.tools[name]; ok {
			defs = append(defs, e.def)
		}
	}
	return defs
}

// Has reports whether the named tool is registered.
func (h *Host) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// Execute invokes the named tool with JSON-encoded args and returns its
// text result.
func (h *Host) Execute(ctx context.Context, name, args string) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: tool %q not found", name)
	}

	if entry.builtinFn != nil {
		return entry.builtinFn(ctx, args)
	}
	return h.executeMCP(ctx, entry, args)
}

// executeMCP routes the call to the owning server session.
func (h *Host) executeMCP(ctx context.Context, entry toolEntry, args string) (string, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("tools: invalid args for tool %q: %w", entry.def.Name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("tools: call to %q failed: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tools: %q reported an error: %s", entry.def.Name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server connections and clears the catalogue.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts an SDK schema value to the generic map the LLM
// providers expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
