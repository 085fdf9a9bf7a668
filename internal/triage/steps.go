package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/medtriage-ai-platform/internal/retry"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

const checkpointTTL = 24 * time.Hour

// StepStore keeps the JSON output of completed steps per run.
type StepStore interface {
	Load(ctx context.Context, runKey, step string) ([]byte, bool, error)
	Save(ctx context.Context, runKey, step string, output []byte) error
}

// MemoryStepStore is a process-local StepStore.
type MemoryStepStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{data: make(map[string][]byte)}
}

func (m *MemoryStepStore) Load(_ context.Context, runKey, step string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.data[runKey+"|"+step]
	return out, ok, nil
}

func (m *MemoryStepStore) Save(_ context.Context, runKey, step string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[runKey+"|"+step] = append([]byte(nil), output...)
	return nil
}

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type stepRecord struct {
	RunKey      string `dynamodbav:"runKey"`
	Step        string `dynamodbav:"step"`
	Output      string `dynamodbav:"output"`
	CompletedAt string `dynamodbav:"completedAt"`
	ExpiresAt   int64  `dynamodbav:"expiresAt,omitempty"`
}

// DynamoStepStore keeps checkpoints in a table keyed by (runKey, step) with a TTL attribute.
type DynamoStepStore struct {
	client    dynamoAPI
	tableName string
	now       func() time.Time
}

func NewDynamoStepStore(client dynamoAPI, tableName string) *DynamoStepStore {
	if client == nil {
		panic("triage: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("triage: step table name cannot be empty")
	}
	return &DynamoStepStore{client: client, tableName: tableName, now: time.Now}
}

func (s *DynamoStepStore) Load(ctx context.Context, runKey, step string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"runKey": &types.AttributeValueMemberS{Value: runKey},
			"step":   &types.AttributeValueMemberS{Value: step},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("triage: load checkpoint: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	var rec stepRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, false, fmt.Errorf("triage: decode checkpoint: %w", err)
	}
	if rec.ExpiresAt > 0 && s.now().Unix() >= rec.ExpiresAt {
		return nil, false, nil
	}
	return []byte(rec.Output), true, nil
}

func (s *DynamoStepStore) Save(ctx context.Context, runKey, step string, output []byte) error {
	now := s.now().UTC()
	item, err := attributevalue.MarshalMap(stepRecord{
		RunKey:      runKey,
		Step:        step,
		Output:      string(output),
		CompletedAt: now.Format(time.RFC3339Nano),
		ExpiresAt:   now.Add(checkpointTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("triage: marshal checkpoint: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("triage: save checkpoint: %w", err)
	}
	return nil
}

// StepObserver records step latency and failures.
type StepObserver interface {
	ObserveStep(step string, failed bool, elapsed time.Duration)
}

// StepRunner executes named steps under a retry policy and memoizes their
// output so a redelivered event replays finished steps instead of re-running them.
type StepRunner struct {
	store    StepStore
	policy   retry.Policy
	logger   *logging.Logger
	observer StepObserver
}

func NewStepRunner(store StepStore, policy retry.Policy, logger *logging.Logger, observer StepObserver) *StepRunner {
	if logger == nil {
		logger = logging.Default()
	}
	return &StepRunner{store: store, policy: policy, logger: logger, observer: observer}
}

// For scopes the runner to one workflow run.
func (r *StepRunner) For(runKey string) *RunSteps {
	return &RunSteps{runner: r, key: runKey}
}

func (r *StepRunner) forRun(runKey string) *RunSteps {
	if r == nil {
		return nil
	}
	return r.For(runKey)
}

// RunSteps is a StepRunner bound to a run key.
type RunSteps struct {
	runner *StepRunner
	key    string
}

// Key returns the run key.
func (s *RunSteps) Key() string {
	if s == nil {
		return ""
	}
	return s.key
}

// RunStep returns the checkpointed output of step when one exists and
// otherwise runs fn under the retry policy and checkpoints its result.
// A nil RunSteps calls fn once.
func RunStep[T any](ctx context.Context, s *RunSteps, step string, fn func(context.Context) (T, error)) (T, error) {
	if s == nil || s.runner == nil {
		return fn(ctx)
	}
	r := s.runner
	label, _, _ := strings.Cut(step, ":")

	if r.store != nil {
		raw, ok, err := r.store.Load(ctx, s.key, step)
		switch {
		case err != nil:
			r.logger.Warn("checkpoint load failed, running step", "error", err, "run_key", s.key, "step", step)
		case ok:
			var out T
			err := json.Unmarshal(raw, &out)
			if err == nil {
				r.logger.Debug("step replayed from checkpoint", "run_key", s.key, "step", step)
				return out, nil
			}
			r.logger.Warn("checkpoint undecodable, running step", "error", err, "run_key", s.key, "step", step)
		}
	}

	started := time.Now()
	var out T
	err := retry.Do(ctx, r.policy, func(attemptCtx context.Context) error {
		v, err := fn(attemptCtx)
		if err != nil {
			if IsFatal(err) && !retry.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	})
	if r.observer != nil {
		r.observer.ObserveStep(label, err != nil, time.Since(started))
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("triage: step %s: %w", step, err)
	}

	if r.store != nil {
		raw, mErr := json.Marshal(out)
		if mErr != nil {
			r.logger.Warn("checkpoint encode failed", "error", mErr, "run_key", s.key, "step", step)
		} else if sErr := r.store.Save(ctx, s.key, step, raw); sErr != nil {
			r.logger.Warn("checkpoint save failed", "error", sErr, "run_key", s.key, "step", step)
		}
	}
	return out, nil
}
