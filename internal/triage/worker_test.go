package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medtriage-ai-platform/internal/clinical"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

type recordingQueue struct {
	*MemoryQueue
	mu      sync.Mutex
	deleted []string
}

func (q *recordingQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

type handlerFunc func(ctx context.Context, env events.InboundEnvelope) error

func (f handlerFunc) Handle(ctx context.Context, env events.InboundEnvelope) error {
	return f(ctx, env)
}

func TestWorkerAcknowledgesByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		wantAck bool
	}{
		{name: "success", err: nil, wantAck: true},
		{name: "fatal", err: ErrEncounterNotFound, wantAck: true},
		{name: "transient", err: errors.New("db timeout"), wantAck: false},
		{name: "malformed", body: "{not json", wantAck: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}
			calls := 0
			w := NewWorker(handlerFunc(func(ctx context.Context, env events.InboundEnvelope) error {
				calls++
				return tt.err
			}), queue, logging.Default())

			body := tt.body
			if body == "" {
				raw, err := events.NewTriageRequested(triageRequest(clinical.TriggerAutomatic)).Encode()
				require.NoError(t, err)
				body = string(raw)
			}
			acked := w.HandleMessage(context.Background(), QueueMessage{ID: "m1", Body: body, ReceiptHandle: "r1"})
			assert.Equal(t, tt.wantAck, acked)
			if tt.wantAck {
				assert.Equal(t, []string{"r1"}, queue.deleted)
			} else {
				assert.Empty(t, queue.deleted)
			}
			if tt.body != "" {
				assert.Zero(t, calls)
			}
		})
	}
}

func TestWorkerConsumesMemoryQueue(t *testing.T) {
	h := newRunnerHarness(t, clinical.UrgencyLow)
	queue := NewMemoryQueue(4)
	require.NoError(t, Publish(context.Background(), queue, events.NewTriageRequested(triageRequest(clinical.TriggerManual))))

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(h.runner, queue, logging.Default(), WithWorkerCount(1), WithReceiveWaitSeconds(1))
	w.Start(ctx)

	require.Eventually(t, func() bool {
		return len(h.outbox.Entries()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	w.Wait()
	assert.Len(t, h.repo.Reports(testEncounterID), 1)
}

func TestMemoryQueueReceiveTimesOut(t *testing.T) {
	q := NewMemoryQueue(2)
	msgs, err := q.Receive(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, q.Send(context.Background(), "a"))
	require.NoError(t, q.Send(context.Background(), "b"))
	msgs, err = q.Receive(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Zero(t, q.Len())
}

type fakeSQSQueue struct {
	sent     []*sqs.SendMessageInput
	deleted  []*sqs.DeleteMessageInput
	messages []sqstypes.Message
}

func (f *fakeSQSQueue) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQSQueue) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQSQueue) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, in)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueMapsMessages(t *testing.T) {
	client := &fakeSQSQueue{messages: []sqstypes.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String(`{"id":"x"}`),
		ReceiptHandle: aws.String("rh-1"),
	}}}
	q := newSQSQueue(client, "https://sqs.local/triage")

	require.NoError(t, q.Send(context.Background(), "body"))
	require.Len(t, client.sent, 1)
	assert.Equal(t, "https://sqs.local/triage", aws.ToString(client.sent[0].QueueUrl))

	msgs, err := q.Receive(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, QueueMessage{ID: "m-1", Body: `{"id":"x"}`, ReceiptHandle: "rh-1"}, msgs[0])

	require.NoError(t, q.Delete(context.Background(), ""))
	assert.Empty(t, client.deleted)
	require.NoError(t, q.Delete(context.Background(), "rh-1"))
	require.Len(t, client.deleted, 1)
}
