package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/medtriage-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/medtriage-ai-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medtriage-ai-platform/internal/config"
	"github.com/wolfman30/medtriage-ai-platform/internal/triage"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// messageHandler is the slice of triage.Worker the lambda needs.
type messageHandler interface {
	HandleMessage(ctx context.Context, msg triage.QueueMessage) bool
}

// outboxDrainer flushes report events appended during the batch.
type outboxDrainer interface {
	Drain(ctx context.Context) int
}

func main() {
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	rt, err := bootstrap.BuildRuntime(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build triage runtime", "error", err)
		os.Exit(1)
	}

	// Lambda deletes acknowledged records itself, so the worker gets a queue
	// whose Delete is a no-op.
	worker := triage.NewWorker(rt.Runner, triage.NewMemoryQueue(1), logger)
	lambda.Start(func(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
		return handle(ctx, worker, rt.Deliverer, logger, evt), nil
	})
}

// handle processes a batch and reports the records that must be redelivered.
func handle(ctx context.Context, worker messageHandler, outbox outboxDrainer, logger *logging.Logger, evt events.SQSEvent) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, record := range evt.Records {
		msg := triage.QueueMessage{
			ID:            record.MessageId,
			Body:          record.Body,
			ReceiptHandle: record.ReceiptHandle,
		}
		if !worker.HandleMessage(ctx, msg) {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	if outbox != nil {
		if delivered := outbox.Drain(ctx); delivered > 0 {
			logger.Info("report events delivered", "count", delivered)
		}
	}
	return resp
}
