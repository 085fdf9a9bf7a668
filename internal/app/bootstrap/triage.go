package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/medtriage-ai-platform/internal/agents"
	"github.com/wolfman30/medtriage-ai-platform/internal/compliance"
	appconfig "github.com/wolfman30/medtriage-ai-platform/internal/config"
	"github.com/wolfman30/medtriage-ai-platform/internal/events"
	"github.com/wolfman30/medtriage-ai-platform/internal/notify"
	"github.com/wolfman30/medtriage-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/medtriage-ai-platform/internal/records"
	"github.com/wolfman30/medtriage-ai-platform/internal/retry"
	"github.com/wolfman30/medtriage-ai-platform/internal/storage"
	"github.com/wolfman30/medtriage-ai-platform/internal/triage"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

// Supported EVENT_BUS values.
const (
	EventBusSQS      = "sqs"
	EventBusRabbitMQ = "rabbitmq"
	EventBusMemory   = "memory"
)

const memoryQueueBuffer = 256

var alertRetryPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     5 * time.Second,
	Multiplier:     2,
	AttemptTimeout: 15 * time.Second,
}

// outboxBackend is an outbox the runner appends to and the deliverer drains.
type outboxBackend interface {
	events.Outbox
	FetchPending(ctx context.Context, limit int32) ([]events.OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
}

// Runtime is everything a triage process needs, wired from config.
type Runtime struct {
	Runner    *triage.Runner
	Queue     triage.Queue
	Deliverer *events.Deliverer
	Metrics   *metrics.TriageMetrics
	Registry  *prometheus.Registry
	Pool      *pgxpool.Pool
	Redis     *redis.Client

	closers []func() error
	logger  *logging.Logger
}

func (r *Runtime) addCloser(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// BuildRuntime wires the triage runner, its queue and the outbox deliverer.
// On error, anything already opened is closed.
func BuildRuntime(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rt = &Runtime{logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = metrics.NewTriageMetrics(rt.Registry)

	pool, sqlDB, err := BuildDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var (
		repo      records.Repository
		outbox    outboxBackend
		processed events.ProcessedTracker
	)
	if pool != nil {
		rt.Pool = pool
		rt.addCloser(func() error { pool.Close(); return nil })
		rt.addCloser(sqlDB.Close)
		repo = records.NewPostgresRepository(pool)
		outbox = events.NewOutboxStore(pool)
		processed = events.NewProcessedStore(pool)
	} else {
		repo = records.NewMemoryRepository()
		outbox = events.NewMemoryOutbox()
		processed = events.NewMemoryProcessedStore()
	}
	audit := compliance.NewAuditService(sqlDB)

	client, closeLLM, err := BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	rt.addCloser(func() error { closeLLM(); return nil })

	signer, err := BuildSigner(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	fetcher := storage.NewFetcher(signer, nil)

	agentCfg := agents.Config{
		Temperature: float32(cfg.LLMTemperature),
		Timeout:     cfg.LLMTimeout,
	}
	scanCfg := agentCfg
	scanCfg.Model = VisionModel(cfg)

	set := triage.Agents{
		History:   agents.NewHistoryAnalyzer(client, agentCfg, logger, rt.Metrics),
		Scan:      agents.NewScanAnalyzer(client, repo, fetcher, scanCfg, logger, rt.Metrics),
		Diagnosis: agents.NewDiagnosisSynthesizer(client, agentCfg, logger, rt.Metrics),
		Coding:    agents.NewCodingGenerator(client, agentCfg, logger, rt.Metrics),
	}

	disclaimer := compliance.NewDisclaimerService(audit, DisclaimerConfig(cfg))
	orchestrator := triage.NewOrchestrator(
		triage.NewGatherer(repo, cfg.EncounterWindow),
		repo,
		set,
		logger,
		triage.WithScanConcurrency(cfg.ScanConcurrency),
		triage.WithDisclaimer(disclaimer),
	)

	rt.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if rt.Redis != nil {
		rdb := rt.Redis
		rt.addCloser(rdb.Close)
	}

	steps := triage.NewStepRunner(BuildStepStore(cfg, awsCfg, logger), StepPolicy(cfg), logger, rt.Metrics)

	rt.Runner = triage.NewRunner(triage.RunnerDeps{
		Repository:     repo,
		Orchestrator:   orchestrator,
		Steps:          steps,
		Outbox:         outbox,
		Processed:      processed,
		Debouncer:      BuildDebouncer(repo, rt.Redis, cfg.DebounceWindow),
		DebounceWindow: cfg.DebounceWindow,
		Audit:          audit,
		Metrics:        rt.Metrics,
		Logger:         logger,
	})

	rt.Queue = BuildQueue(cfg, awsCfg, logger)

	handler, err := rt.buildDeliveryHandler(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	rt.Deliverer = events.NewDeliverer(outbox, handler, logger).WithObserver(rt.Metrics)

	logger.Info("triage runtime ready",
		"store", storeKind(pool),
		"event_bus", cfg.EventBus,
		"llm_provider", cfg.LLMProvider,
		"redis", rt.Redis != nil,
	)
	return rt, nil
}

// StepPolicy maps the workflow tuning settings onto a retry policy.
func StepPolicy(cfg *appconfig.Config) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg == nil {
		return policy
	}
	if cfg.StepMaxAttempts > 0 {
		policy.MaxAttempts = cfg.StepMaxAttempts
	}
	if cfg.StepInitialBackoff > 0 {
		policy.InitialBackoff = cfg.StepInitialBackoff
	}
	if cfg.StepMaxBackoff > 0 {
		policy.MaxBackoff = cfg.StepMaxBackoff
	}
	if cfg.StepTimeout > 0 {
		policy.AttemptTimeout = cfg.StepTimeout
	}
	return policy
}

// DisclaimerConfig maps REPORT_DISCLAIMER_LEVEL; "off" disables the disclaimer.
func DisclaimerConfig(cfg *appconfig.Config) compliance.DisclaimerConfig {
	out := compliance.DefaultDisclaimerConfig()
	if cfg == nil {
		return out
	}
	switch level := compliance.DisclaimerLevel(cfg.ReportDisclaimerLevel); level {
	case compliance.DisclaimerShort, compliance.DisclaimerMedium, compliance.DisclaimerFull:
		out.Level = level
	case "off", "none":
		out.Enabled = false
	}
	return out
}

// BuildSigner returns the signer for relative file references, or nil when
// object storage is not configured.
func BuildSigner(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (storage.URLSigner, error) {
	switch cfg.StorageProvider {
	case "minio":
		if strings.TrimSpace(cfg.MinioEndpoint) == "" || strings.TrimSpace(cfg.MinioBucket) == "" {
			logger.Warn("minio storage selected but not configured; only absolute scan URLs can be fetched")
			return nil, nil
		}
		signer, err := storage.NewMinioSigner(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, cfg.SignedURLTTL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: minio signer: %w", err)
		}
		return signer, nil
	case "s3", "":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			logger.Warn("S3_BUCKET not set; only absolute scan URLs can be fetched")
			return nil, nil
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
		return storage.NewS3Signer(client, cfg.S3Bucket, cfg.SignedURLTTL), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown storage provider %q", cfg.StorageProvider)
	}
}

// BuildStepStore returns the DynamoDB checkpoint store when a table is
// configured, otherwise an in-memory one.
func BuildStepStore(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) triage.StepStore {
	if strings.TrimSpace(cfg.WorkflowStepsTable) == "" {
		logger.Warn("WORKFLOW_STEPS_TABLE not set; step checkpoints are kept in memory")
		return triage.NewMemoryStepStore()
	}
	return triage.NewDynamoStepStore(dynamodb.NewFromConfig(awsCfg), cfg.WorkflowStepsTable)
}

// BuildDebouncer layers the Redis marker cache over the report store when Redis is up.
func BuildDebouncer(repo records.Repository, rdb *redis.Client, window time.Duration) triage.Debouncer {
	store := triage.NewStoreDebouncer(repo, window)
	if rdb == nil {
		return store
	}
	return triage.NewRedisDebouncer(rdb, window, store)
}

// BuildQueue returns the inbound triage queue.
func BuildQueue(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) triage.Queue {
	if cfg.UseMemoryQueue || strings.TrimSpace(cfg.TriageQueueURL) == "" {
		logger.Warn("using in-memory triage queue")
		return triage.NewMemoryQueue(memoryQueueBuffer)
	}
	return triage.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.TriageQueueURL)
}

// BuildEmailSender picks the alert email provider. It returns nil when no
// provider is usable.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	switch cfg.AlertEmailProvider {
	case "ses":
		if strings.TrimSpace(cfg.SESFromEmail) == "" {
			logger.Warn("SES alert email selected without SES_FROM_EMAIL; alerts disabled")
			return nil
		}
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.AlertFromName,
		}, logger)
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.AlertFromName,
		}, logger)
		if sender == nil {
			logger.Warn("SendGrid alert email selected without SENDGRID_API_KEY; alerts disabled")
			return nil
		}
		return sender
	case "stub", "log":
		return notify.NewStubEmailSender(logger)
	default:
		return nil
	}
}

func (r *Runtime) buildDeliveryHandler(cfg *appconfig.Config, awsCfg aws.Config) (events.DeliveryHandler, error) {
	var publisher events.DeliveryHandler
	switch cfg.EventBus {
	case EventBusSQS:
		if strings.TrimSpace(cfg.ReportEventsQueueURL) == "" {
			r.logger.Warn("REPORT_EVENTS_QUEUE_URL not set; report events are kept in memory")
			publisher = &events.MemoryPublisher{}
			break
		}
		publisher = events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.ReportEventsQueueURL)
	case EventBusRabbitMQ:
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: dial rabbitmq: %w", err)
		}
		r.addCloser(conn.Close)
		pub, err := events.NewRabbitPublisher(conn, cfg.RabbitMQExchange)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: rabbitmq publisher: %w", err)
		}
		r.addCloser(pub.Close)
		publisher = pub
	case EventBusMemory:
		publisher = &events.MemoryPublisher{}
	default:
		return nil, fmt.Errorf("bootstrap: unknown event bus %q", cfg.EventBus)
	}

	sender := BuildEmailSender(cfg, awsCfg, r.logger)
	if sender == nil || len(cfg.AlertEmails) == 0 {
		return publisher, nil
	}
	alerts := notify.NewAlertService(sender, cfg.AlertEmails, r.logger).WithRetry(alertRetryPolicy)
	return events.MultiHandler{
		publisher,
		events.BestEffort("critical-alerts", events.TypedHandler(events.TypeReportGenerated, alerts), r.logger),
	}, nil
}

func storeKind(pool *pgxpool.Pool) string {
	if pool != nil {
		return "postgres"
	}
	return "memory"
}
