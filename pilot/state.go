package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentspilot/pilot/core"
	"github.com/agentspilot/pilot/resilience"
)

// ExecutionRecord is the durable row for one workflow execution.
type ExecutionRecord struct {
	ExecutionID    string                 `json:"execution_id"`
	AgentID        string                 `json:"agent_id"`
	UserID         string                 `json:"user_id"`
	Status         ExecutionStatus        `json:"status"`
	Mode           RunMode                `json:"mode"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	TotalSteps     int                    `json:"total_steps"`
	CompletedSteps int                    `json:"completed_steps"`
	FailedSteps    int                    `json:"failed_steps"`
	TokensUsed     core.TokenUsage        `json:"tokens_used"`
	FinalOutput    map[string]interface{} `json:"final_output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// StepRecord is the durable row for one step execution.
type StepRecord struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	StepName    string          `json:"step_name,omitempty"`
	StepType    StepType        `json:"step_type"`
	Status      StepStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	TokensUsed  core.TokenUsage `json:"tokens_used"`
	ItemCount   int             `json:"item_count,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
}

// TokenLedgerEntry is one billable unit in the token usage ledger. Plugin
// invocations record an equivalent-token cost so metering stays uniform.
type TokenLedgerEntry struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	UserID      string          `json:"user_id"`
	Source      string          `json:"source"` // llm or plugin
	Tokens      core.TokenUsage `json:"tokens"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// StateManager is the single write path to the durable store.
type StateManager interface {
	CreateExecution(ctx context.Context, record *ExecutionRecord) error
	LoadExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)
	UpdateStatus(ctx context.Context, executionID string, status ExecutionStatus) error
	UpdateExecution(ctx context.Context, record *ExecutionRecord) error
	// UpdateMetadata merges fields into the execution's metadata with
	// verified retries, for fields operator workflows must read back.
	UpdateMetadata(ctx context.Context, executionID string, fields map[string]interface{}) error
	ListExecutions(ctx context.Context, userID string, limit int) ([]*ExecutionRecord, error)

	LogStepStart(ctx context.Context, record *StepRecord) error
	LogStepCompletion(ctx context.Context, record *StepRecord) error
	LogStepFailure(ctx context.Context, record *StepRecord) error
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error)

	SaveCheckpoint(ctx context.Context, cp *ContextCheckpoint) error
	LoadCheckpoint(ctx context.Context, executionID string) (*ContextCheckpoint, error)

	SaveAgent(ctx context.Context, executionID string, agent *Agent) error
	LoadAgent(ctx context.Context, executionID string) (*Agent, error)

	SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) error
	LoadApprovalRequest(ctx context.Context, requestID string) (*ApprovalRequest, error)

	RecordTokenUsage(ctx context.Context, entry *TokenLedgerEntry) error
}

// metadataRetryConfig bounds the verify-retry loop for metadata writes.
var metadataRetryConfig = &resilience.RetryConfig{
	MaxAttempts:  3,
	Backoff:      resilience.BackoffFixed,
	InitialDelay: 50 * time.Millisecond,
}

// -----------------------------------------------------------------------------
// In-memory store
// -----------------------------------------------------------------------------

// InMemoryStateStore keeps all state in process. The default for tests and
// single-node deployments without Redis.
type InMemoryStateStore struct {
	mu          sync.RWMutex
	executions  map[string]*ExecutionRecord
	steps       map[string][]*StepRecord
	checkpoints map[string]*ContextCheckpoint
	agents      map[string]*Agent
	approvals   map[string]*ApprovalRequest
	ledger      []*TokenLedgerEntry
}

// NewInMemoryStateStore creates an empty store.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		executions:  make(map[string]*ExecutionRecord),
		steps:       make(map[string][]*StepRecord),
		checkpoints: make(map[string]*ContextCheckpoint),
		agents:      make(map[string]*Agent),
		approvals:   make(map[string]*ApprovalRequest),
	}
}

func (s *InMemoryStateStore) CreateExecution(_ context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.executions[record.ExecutionID] = &copied
	return nil
}

func (s *InMemoryStateStore) LoadExecution(_ context.Context, executionID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}
	copied := *record
	return &copied, nil
}

func (s *InMemoryStateStore) UpdateStatus(ctx context.Context, executionID string, status ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
	}
	record.Status = status
	if status == ExecutionCompleted || status == ExecutionFailed || status == ExecutionCancelled {
		now := time.Now()
		record.CompletedAt = &now
	}
	return nil
}

func (s *InMemoryStateStore) UpdateExecution(_ context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[record.ExecutionID]; !ok {
		return fmt.Errorf("execution %s: %w", record.ExecutionID, core.ErrExecutionNotFound)
	}
	copied := *record
	s.executions[record.ExecutionID] = &copied
	return nil
}

func (s *InMemoryStateStore) UpdateMetadata(ctx context.Context, executionID string, fields map[string]interface{}) error {
	return resilience.Retry(ctx, metadataRetryConfig, func() error {
		s.mu.Lock()
		record, ok := s.executions[executionID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("execution %s: %w", executionID, core.ErrExecutionNotFound)
		}
		if record.Metadata == nil {
			record.Metadata = make(map[string]interface{})
		}
		for k, v := range fields {
			record.Metadata[k] = v
		}
		s.mu.Unlock()

		// Verify the write reads back.
		s.mu.RLock()
		defer s.mu.RUnlock()
		stored := s.executions[executionID]
		for k := range fields {
			if _, present := stored.Metadata[k]; !present {
				return fmt.Errorf("metadata field %q did not persist", k)
			}
		}
		return nil
	})
}

func (s *InMemoryStateStore) ListExecutions(_ context.Context, userID string, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionRecord
	for _, record := range s.executions {
		if userID != "" && record.UserID != userID {
			continue
		}
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStateStore) LogStepStart(_ context.Context, record *StepRecord) error {
	return s.appendStep(record)
}

func (s *InMemoryStateStore) LogStepCompletion(_ context.Context, record *StepRecord) error {
	return s.appendStep(record)
}

func (s *InMemoryStateStore) LogStepFailure(_ context.Context, record *StepRecord) error {
	return s.appendStep(record)
}

func (s *InMemoryStateStore) appendStep(record *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	// Latest status for a step replaces the earlier row.
	rows := s.steps[record.ExecutionID]
	for i, row := range rows {
		if row.StepID == record.StepID {
			rows[i] = &copied
			return nil
		}
	}
	s.steps[record.ExecutionID] = append(rows, &copied)
	return nil
}

func (s *InMemoryStateStore) ListStepRecords(_ context.Context, executionID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.steps[executionID]
	out := make([]*StepRecord, len(rows))
	for i, row := range rows {
		copied := *row
		out[i] = &copied
	}
	return out, nil
}

func (s *InMemoryStateStore) SaveCheckpoint(_ context.Context, cp *ContextCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ExecutionID] = cp
	return nil
}

func (s *InMemoryStateStore) LoadCheckpoint(_ context.Context, executionID string) (*ContextCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[executionID]
	if !ok {
		return nil, fmt.Errorf("checkpoint for %s: %w", executionID, core.ErrExecutionNotFound)
	}
	return cp, nil
}

func (s *InMemoryStateStore) SaveAgent(_ context.Context, executionID string, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[executionID] = agent
	return nil
}

func (s *InMemoryStateStore) LoadAgent(_ context.Context, executionID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[executionID]
	if !ok {
		return nil, fmt.Errorf("agent for execution %s: %w", executionID, core.ErrAgentNotFound)
	}
	return agent, nil
}

func (s *InMemoryStateStore) SaveApprovalRequest(_ context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *req
	copied.Responses = append([]ApprovalResponse(nil), req.Responses...)
	s.approvals[req.ID] = &copied
	return nil
}

func (s *InMemoryStateStore) LoadApprovalRequest(_ context.Context, requestID string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[requestID]
	if !ok {
		return nil, fmt.Errorf("approval request %s: %w", requestID, core.ErrExecutionNotFound)
	}
	copied := *req
	copied.Responses = append([]ApprovalResponse(nil), req.Responses...)
	return &copied, nil
}

func (s *InMemoryStateStore) RecordTokenUsage(_ context.Context, entry *TokenLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.ledger = append(s.ledger, &copied)
	return nil
}

// TokenLedger returns recorded entries for an execution, for reconciliation.
func (s *InMemoryStateStore) TokenLedger(_ context.Context, executionID string) ([]*TokenLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TokenLedgerEntry
	for _, entry := range s.ledger {
		if entry.ExecutionID == executionID {
			copied := *entry
			out = append(out, &copied)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Redis store
// -----------------------------------------------------------------------------

const (
	redisKeyPrefix        = "pilot:execution:"
	redisStepPrefix       = "pilot:steps:"
	redisCheckpointPrefix = "pilot:checkpoint:"
	redisAgentPrefix      = "pilot:agent:"
	redisApprovalPrefix   = "pilot:approval:"
	redisLedgerPrefix     = "pilot:tokens:"
	redisUserIndexPrefix  = "pilot:user:"

	redisStateTTL = 7 * 24 * time.Hour
)

// RedisStateStore persists execution state in Redis with a bounded TTL.
type RedisStateStore struct {
	client *redis.Client
	logger core.Logger
	ttl    time.Duration
}

// NewRedisStateStore connects to Redis and verifies connectivity.
func NewRedisStateStore(redisURL string, logger core.Logger) (*RedisStateStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", core.ErrStoreUnavailable)
	}

	return &RedisStateStore{client: client, logger: logger, ttl: redisStateTTL}, nil
}

func (s *RedisStateStore) setJSON(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, core.ErrStoreUnavailable)
	}
	return nil
}

func (s *RedisStateStore) getJSON(ctx context.Context, key string, out interface{}) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return core.ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, core.ErrStoreUnavailable)
	}
	return json.Unmarshal(raw, out)
}

func (s *RedisStateStore) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	if err := s.setJSON(ctx, redisKeyPrefix+record.ExecutionID, record); err != nil {
		return err
	}
	if record.UserID != "" {
		key := redisUserIndexPrefix + record.UserID
		if err := s.client.LPush(ctx, key, record.ExecutionID).Err(); err != nil {
			s.logger.Warn("failed to index execution by user", map[string]interface{}{
				"execution_id": record.ExecutionID,
				"error":        err.Error(),
			})
		}
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

func (s *RedisStateStore) LoadExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var record ExecutionRecord
	if err := s.getJSON(ctx, redisKeyPrefix+executionID, &record); err != nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, err)
	}
	return &record, nil
}

func (s *RedisStateStore) UpdateStatus(ctx context.Context, executionID string, status ExecutionStatus) error {
	record, err := s.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	record.Status = status
	if status == ExecutionCompleted || status == ExecutionFailed || status == ExecutionCancelled {
		now := time.Now()
		record.CompletedAt = &now
	}
	return s.setJSON(ctx, redisKeyPrefix+executionID, record)
}

func (s *RedisStateStore) UpdateExecution(ctx context.Context, record *ExecutionRecord) error {
	return s.setJSON(ctx, redisKeyPrefix+record.ExecutionID, record)
}

func (s *RedisStateStore) UpdateMetadata(ctx context.Context, executionID string, fields map[string]interface{}) error {
	return resilience.Retry(ctx, metadataRetryConfig, func() error {
		record, err := s.LoadExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if record.Metadata == nil {
			record.Metadata = make(map[string]interface{})
		}
		for k, v := range fields {
			record.Metadata[k] = v
		}
		if err := s.setJSON(ctx, redisKeyPrefix+executionID, record); err != nil {
			return err
		}

		// Read back to verify persistence.
		stored, err := s.LoadExecution(ctx, executionID)
		if err != nil {
			return err
		}
		for k := range fields {
			if _, present := stored.Metadata[k]; !present {
				return fmt.Errorf("metadata field %q did not persist", k)
			}
		}
		return nil
	})
}

func (s *RedisStateStore) ListExecutions(ctx context.Context, userID string, limit int) ([]*ExecutionRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("listing requires a user id")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, redisUserIndexPrefix+userID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", core.ErrStoreUnavailable)
	}
	out := make([]*ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		record, lerr := s.LoadExecution(ctx, id)
		if lerr != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *RedisStateStore) logStep(ctx context.Context, record *StepRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := redisStepPrefix + record.ExecutionID
	if err := s.client.HSet(ctx, key, record.StepID, raw).Err(); err != nil {
		return fmt.Errorf("log step %s: %w", record.StepID, core.ErrStoreUnavailable)
	}
	s.client.Expire(ctx, key, s.ttl)
	return nil
}

func (s *RedisStateStore) LogStepStart(ctx context.Context, record *StepRecord) error {
	return s.logStep(ctx, record)
}

func (s *RedisStateStore) LogStepCompletion(ctx context.Context, record *StepRecord) error {
	return s.logStep(ctx, record)
}

func (s *RedisStateStore) LogStepFailure(ctx context.Context, record *StepRecord) error {
	return s.logStep(ctx, record)
}

func (s *RedisStateStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.client.HGetAll(ctx, redisStepPrefix+executionID).Result()
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", core.ErrStoreUnavailable)
	}
	out := make([]*StepRecord, 0, len(rows))
	for _, raw := range rows {
		var record StepRecord
		if uerr := json.Unmarshal([]byte(raw), &record); uerr != nil {
			continue
		}
		out = append(out, &record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *RedisStateStore) SaveCheckpoint(ctx context.Context, cp *ContextCheckpoint) error {
	return s.setJSON(ctx, redisCheckpointPrefix+cp.ExecutionID, cp)
}

func (s *RedisStateStore) LoadCheckpoint(ctx context.Context, executionID string) (*ContextCheckpoint, error) {
	var cp ContextCheckpoint
	if err := s.getJSON(ctx, redisCheckpointPrefix+executionID, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint for %s: %w", executionID, err)
	}
	return &cp, nil
}

func (s *RedisStateStore) SaveAgent(ctx context.Context, executionID string, agent *Agent) error {
	return s.setJSON(ctx, redisAgentPrefix+executionID, agent)
}

func (s *RedisStateStore) LoadAgent(ctx context.Context, executionID string) (*Agent, error) {
	var agent Agent
	if err := s.getJSON(ctx, redisAgentPrefix+executionID, &agent); err != nil {
		return nil, fmt.Errorf("agent for execution %s: %w", executionID, core.ErrAgentNotFound)
	}
	return &agent, nil
}

func (s *RedisStateStore) SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) error {
	return s.setJSON(ctx, redisApprovalPrefix+req.ID, req)
}

func (s *RedisStateStore) LoadApprovalRequest(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	if err := s.getJSON(ctx, redisApprovalPrefix+requestID, &req); err != nil {
		return nil, fmt.Errorf("approval request %s: %w", requestID, err)
	}
	return &req, nil
}

func (s *RedisStateStore) RecordTokenUsage(ctx context.Context, entry *TokenLedgerEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := redisLedgerPrefix + entry.ExecutionID
	if err := s.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("record token usage: %w", core.ErrStoreUnavailable)
	}
	s.client.Expire(ctx, key, s.ttl)
	return nil
}

// TokenLedger returns recorded ledger entries for reconciliation.
func (s *RedisStateStore) TokenLedger(ctx context.Context, executionID string) ([]*TokenLedgerEntry, error) {
	rows, err := s.client.LRange(ctx, redisLedgerPrefix+executionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("token ledger: %w", core.ErrStoreUnavailable)
	}
	out := make([]*TokenLedgerEntry, 0, len(rows))
	for _, raw := range rows {
		var entry TokenLedgerEntry
		if uerr := json.Unmarshal([]byte(raw), &entry); uerr != nil {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
