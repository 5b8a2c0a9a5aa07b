package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// TokenUsage reports billable token consumption for a single unit of work.
// Plugin calls are metered in token equivalents so that external accounting
// is uniform across LLM and non-LLM work.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another unit of work.
func (t *TokenUsage) Add(other TokenUsage) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
	t.TotalTokens += other.TotalTokens
}

// PluginResult is the outcome of a single plugin action invocation.
type PluginResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ParameterSchema describes one parameter of a plugin action,
// JSON-schema style.
type ParameterSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]ParameterSchema `json:"properties,omitempty"`
	Items      *ParameterSchema           `json:"items,omitempty"`
	Required   []string                   `json:"required,omitempty"`
	Format     string                     `json:"format,omitempty"`
}

// ActionDefinition describes a single named action exposed by a plugin.
type ActionDefinition struct {
	Parameters map[string]ParameterSchema `json:"parameters"`
	Required   []string                   `json:"required,omitempty"`
}

// PluginDefinition lists the actions a plugin exposes.
type PluginDefinition struct {
	Actions map[string]ActionDefinition `json:"actions"`
}

// PluginRuntime executes named plugin actions. The contract is synchronous
// from the executor's viewpoint; cancellation is delivered via ctx.
type PluginRuntime interface {
	Execute(ctx context.Context, userID, plugin, action string, params map[string]interface{}) (*PluginResult, error)
	GetPluginDefinition(ctx context.Context, plugin string) (*PluginDefinition, error)
}

// LLMRequest carries one prompt to the LLM client. Model selection is the
// client's concern; the engine only chooses whether plugins are exposed.
type LLMRequest struct {
	UserID       string                 `json:"user_id"`
	AgentID      string                 `json:"agent_id"`
	SessionID    string                 `json:"session_id,omitempty"`
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	HidePlugins  bool                   `json:"hide_plugins"`
	Extras       map[string]interface{} `json:"extras,omitempty"`
}

// ToolCall records a tool invocation made by the LLM during a run.
type ToolCall struct {
	Plugin string                 `json:"plugin"`
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// LLMResponse is the result of one LLM run.
type LLMResponse struct {
	Success    bool       `json:"success"`
	Response   string     `json:"response"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed TokenUsage `json:"tokens_used"`
	Error      string     `json:"error,omitempty"`
}

// LLMClient runs prompts against a language model.
type LLMClient interface {
	Run(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// MemoryProvider loads long-lived user/agent context at execution start.
// Loading happens once, under a hard timeout; failure is non-fatal.
type MemoryProvider interface {
	LoadContext(ctx context.Context, userID, agentID string) (map[string]interface{}, error)
}

// AuditEntry is one record in the external audit trail.
type AuditEntry struct {
	ExecutionID string                 `json:"execution_id"`
	AgentID     string                 `json:"agent_id"`
	UserID      string                 `json:"user_id"`
	StepID      string                 `json:"step_id,omitempty"`
	Event       string                 `json:"event"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditLogger records audit entries. Failures are logged and swallowed;
// auditing never fails an execution.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Notifier delivers approval notifications over an external channel.
type Notifier interface {
	Send(ctx context.Context, channelType string, channelConfig map[string]interface{}, payload map[string]interface{}) error
}

// Memory interface for simple keyed state storage
type Memory interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpAuditLogger discards audit entries.
type NoOpAuditLogger struct{}

func (n *NoOpAuditLogger) Record(ctx context.Context, entry AuditEntry) error { return nil }

// NoOpNotifier discards notifications.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, channelType string, channelConfig map[string]interface{}, payload map[string]interface{}) error {
	return nil
}

// InMemoryStore provides a simple in-memory implementation of Memory
type InMemoryStore struct {
	data map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]string),
	}
}

func (m *InMemoryStore) Get(ctx context.Context, key string) (string, error) {
	value, exists := m.data[key]
	if !exists {
		return "", nil
	}
	return value, nil
}

func (m *InMemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *InMemoryStore) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, exists := m.data[key]
	return exists, nil
}
