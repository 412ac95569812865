// Package connector delivers observer prompts to agents over MCP. Each
// deployment points the connector at one MCP server (typically the agent
// harness's control endpoint) exposing a send_message tool.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentfleet/foreman/pkg/version"
)

// Connector is the narrow messaging surface the action executor needs.
type Connector interface {
	SendMessage(ctx context.Context, agentID, message string) error
	IsConnected() bool
}

// sendMessageTool is the tool name the control server must expose.
const sendMessageTool = "send_message"

// operationTimeout bounds a single tool call.
const operationTimeout = 30 * time.Second

// TransportType selects how the connector reaches the control server.
type TransportType string

// Transport type constants.
const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// Config describes the MCP control server.
type Config struct {
	Transport TransportType
	URL       string   // http
	Command   string   // stdio
	Args      []string // stdio
	Token     string   // optional bearer token for http
}

// MCP is the MCP-backed Connector. Safe for concurrent use; a broken
// session is recreated on the next send.
type MCP struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

var _ Connector = (*MCP)(nil)

// NewMCP creates a connector. Connect must be called before sending.
func NewMCP(cfg Config, logger *slog.Logger) *MCP {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCP{
		config: cfg,
		logger: logger.With("component", "connector"),
	}
}

// Connect establishes the MCP session.
func (m *MCP) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *MCP) connectLocked(ctx context.Context) error {
	if m.session != nil {
		return nil
	}

	transport, err := m.transport()
	if err != nil {
		return err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect control server: %w", err)
	}
	m.client = client
	m.session = session
	m.logger.Info("Connector established", "transport", m.config.Transport)
	return nil
}

func (m *MCP) transport() (mcpsdk.Transport, error) {
	switch m.config.Transport {
	case TransportStdio:
		if m.config.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		cmd := exec.Command(m.config.Command, m.config.Args...)
		cmd.Env = os.Environ()
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		if m.config.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: m.config.URL}
		if m.config.Token != "" {
			t.HTTPClient = &http.Client{Transport: &bearerTransport{
				base:  defaultHTTPTransport(),
				token: m.config.Token,
			}}
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", m.config.Transport)
	}
}

// toolError is a server-side rejection. The session is healthy, so
// reconnecting cannot help.
type toolError struct{ msg string }

func (e *toolError) Error() string { return e.msg }

// SendMessage calls the control server's send_message tool. A transport
// failure tears the session down and retries once on a fresh one;
// server-side rejections return immediately.
func (m *MCP) SendMessage(ctx context.Context, agentID, message string) error {
	err := m.callSend(ctx, agentID, message)
	if err == nil {
		return nil
	}
	var rejected *toolError
	if errors.As(err, &rejected) {
		return err
	}

	m.logger.Warn("Send failed, recreating session", "agent_id", agentID, "error", err)
	m.mu.Lock()
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
		m.client = nil
	}
	if cerr := m.connectLocked(ctx); cerr != nil {
		m.mu.Unlock()
		return fmt.Errorf("reconnect failed: %w", cerr)
	}
	m.mu.Unlock()

	return m.callSend(ctx, agentID, message)
}

func (m *MCP) callSend(ctx context.Context, agentID, message string) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return fmt.Errorf("not connected")
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name: sendMessageTool,
		Arguments: map[string]any{
			"agentId": agentID,
			"message": message,
		},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", sendMessageTool, err)
	}
	if result.IsError {
		return &toolError{msg: fmt.Sprintf("%s rejected for agent %s", sendMessageTool, agentID)}
	}
	return nil
}

// IsConnected reports whether a session is established.
func (m *MCP) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Close shuts the session down.
func (m *MCP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	m.client = nil
	return err
}

// connectWith wires a pre-built transport, bypassing config. Test
// infrastructure uses this with in-memory transports.
func (m *MCP) connectWith(ctx context.Context, transport mcpsdk.Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "foreman-test", Version: "test"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}
	m.client = client
	m.session = session
	return nil
}

func defaultHTTPTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return t
}

// bearerTransport wraps an http.RoundTripper to add Authorization headers.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// Null is the connector used when no control server is configured.
// Sends fail fast; IsConnected is false so decisions escalate instead.
type Null struct{}

var _ Connector = Null{}

func (Null) SendMessage(context.Context, string, string) error {
	return fmt.Errorf("no connector configured")
}

func (Null) IsConnected() bool { return false }
