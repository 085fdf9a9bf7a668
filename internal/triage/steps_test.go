package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

type stepObservation struct {
	step   string
	failed bool
}

type recordingStepObserver struct {
	mu  sync.Mutex
	obs []stepObservation
}

func (r *recordingStepObserver) ObserveStep(step string, failed bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, stepObservation{step: step, failed: failed})
}

func TestRunStepReplaysCheckpoint(t *testing.T) {
	store := NewMemoryStepStore()
	observer := &recordingStepObserver{}
	runner := NewStepRunner(store, fastPolicy(), logging.Default(), observer)
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	got, err := RunStep(context.Background(), runner.For("run-1"), "analyze-scan:abc", fn)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = RunStep(context.Background(), runner.For("run-1"), "analyze-scan:abc", fn)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)

	// A different run key does not see the checkpoint.
	_, err = RunStep(context.Background(), runner.For("run-2"), "analyze-scan:abc", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.Len(t, observer.obs, 2)
	assert.Equal(t, "analyze-scan", observer.obs[0].step)
	assert.False(t, observer.obs[0].failed)
}

func TestRunStepRetriesTransientFailures(t *testing.T) {
	runner := NewStepRunner(NewMemoryStepStore(), fastPolicy(), logging.Default(), nil)
	calls := 0
	got, err := RunStep(context.Background(), runner.For("run"), "flaky", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("temporary")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRunStepStopsOnFatalError(t *testing.T) {
	store := NewMemoryStepStore()
	runner := NewStepRunner(store, fastPolicy(), logging.Default(), nil)
	calls := 0
	_, err := RunStep(context.Background(), runner.For("run"), "gather-context", func(context.Context) (string, error) {
		calls++
		return "", ErrPatientNotFound
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatientNotFound)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls)

	_, ok, _ := store.Load(context.Background(), "run", "gather-context")
	assert.False(t, ok)
}

func TestRunStepWithoutRunnerCallsOnce(t *testing.T) {
	calls := 0
	got, err := RunStep(context.Background(), nil, "step", func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, calls)
}

func TestRunStepRerunsUndecodableCheckpoint(t *testing.T) {
	store := NewMemoryStepStore()
	require.NoError(t, store.Save(context.Background(), "run", "step", []byte("not-json")))
	runner := NewStepRunner(store, fastPolicy(), logging.Default(), nil)

	got, err := RunStep(context.Background(), runner.For("run"), "step", func(context.Context) (int, error) {
		return 5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

type fakeDynamo struct {
	items  map[string]map[string]types.AttributeValue
	puts   []*dynamodb.PutItemInput
	getErr error
}

func dynamoKey(item map[string]types.AttributeValue) string {
	run := item["runKey"].(*types.AttributeValueMemberS).Value
	step := item["step"].(*types.AttributeValueMemberS).Value
	return run + "|" + step
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.items == nil {
		f.items = map[string]map[string]types.AttributeValue{}
	}
	f.puts = append(f.puts, in)
	f.items[dynamoKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[dynamoKey(in.Key)]}, nil
}

func TestDynamoStepStoreRoundTrip(t *testing.T) {
	client := &fakeDynamo{}
	store := NewDynamoStepStore(client, "workflow-steps")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_, ok, err := store.Load(context.Background(), "run", "step")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(context.Background(), "run", "step", []byte(`{"a":1}`)))
	require.Len(t, client.puts, 1)
	assert.Equal(t, "workflow-steps", *client.puts[0].TableName)
	ttl, ok := client.puts[0].Item["expiresAt"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "1772445600", ttl.Value)

	raw, ok, err := store.Load(context.Background(), "run", "step")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	// Expired records are ignored even before the table TTL sweeps them.
	store.now = func() time.Time { return now.Add(checkpointTTL + time.Second) }
	_, ok, err = store.Load(context.Background(), "run", "step")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStepRunnerFallsThroughOnStoreError(t *testing.T) {
	client := &fakeDynamo{getErr: errors.New("throttled")}
	runner := NewStepRunner(NewDynamoStepStore(client, "steps"), fastPolicy(), logging.Default(), nil)

	got, err := RunStep(context.Background(), runner.For("run"), "step", func(context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Len(t, client.puts, 1)
}
