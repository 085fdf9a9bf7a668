package main

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/medtriage-ai-platform/internal/triage"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

type scriptedWorker struct {
	nack map[string]bool
	seen []string
}

func (w *scriptedWorker) HandleMessage(_ context.Context, msg triage.QueueMessage) bool {
	w.seen = append(w.seen, msg.ID)
	return !w.nack[msg.ID]
}

type countingDrainer struct{ calls int }

func (d *countingDrainer) Drain(context.Context) int {
	d.calls++
	return 1
}

func TestHandleReportsOnlyNackedRecords(t *testing.T) {
	worker := &scriptedWorker{nack: map[string]bool{"m2": true}}
	drainer := &countingDrainer{}
	evt := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: "{}", ReceiptHandle: "r1"},
		{MessageId: "m2", Body: "{}", ReceiptHandle: "r2"},
		{MessageId: "m3", Body: "{}", ReceiptHandle: "r3"},
	}}

	resp := handle(context.Background(), worker, drainer, logging.New("error"), evt)

	assert.Equal(t, []string{"m1", "m2", "m3"}, worker.seen)
	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m2"}}, resp.BatchItemFailures)
	assert.Equal(t, 1, drainer.calls)
}

func TestHandleEmptyBatch(t *testing.T) {
	resp := handle(context.Background(), &scriptedWorker{}, nil, logging.New("error"), events.SQSEvent{})
	assert.Empty(t, resp.BatchItemFailures)
}
