package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medtriage-ai-platform/internal/compliance"
	appconfig "github.com/wolfman30/medtriage-ai-platform/internal/config"
	"github.com/wolfman30/medtriage-ai-platform/internal/notify"
	"github.com/wolfman30/medtriage-ai-platform/internal/records"
	"github.com/wolfman30/medtriage-ai-platform/internal/triage"
	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

func memoryConfig() *appconfig.Config {
	return &appconfig.Config{
		LogLevel:              "error",
		UseMemoryQueue:        true,
		UseMemoryStore:        true,
		LLMProvider:           ProviderOpenAI,
		OpenAIAPIKey:          "sk-test",
		OpenAIModel:           "gpt-4o-mini",
		StorageProvider:       "s3",
		EventBus:              EventBusMemory,
		DebounceWindow:        time.Minute,
		EncounterWindow:       5,
		ScanConcurrency:       2,
		ReportDisclaimerLevel: "short",
	}
}

func TestBuildRuntimeMemory(t *testing.T) {
	rt, err := BuildRuntime(context.Background(), memoryConfig(), aws.Config{}, logging.New("error"))
	require.NoError(t, err)
	require.NotNil(t, rt)

	assert.NotNil(t, rt.Runner)
	assert.NotNil(t, rt.Deliverer)
	assert.Nil(t, rt.Pool)
	assert.Nil(t, rt.Redis)
	_, isMemory := rt.Queue.(*triage.MemoryQueue)
	assert.True(t, isMemory)

	families, err := rt.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
}

func TestBuildRuntimeRejectsUnknownBus(t *testing.T) {
	cfg := memoryConfig()
	cfg.EventBus = "kafka"
	rt, err := BuildRuntime(context.Background(), cfg, aws.Config{}, logging.New("error"))
	require.Error(t, err)
	assert.Nil(t, rt)
}

func TestBuildLLMClientErrors(t *testing.T) {
	cfg := memoryConfig()
	cfg.LLMProvider = ProviderBedrock
	_, _, err := BuildLLMClient(context.Background(), cfg, aws.Config{}, nil)
	require.Error(t, err)

	cfg.LLMProvider = "watson"
	_, _, err = BuildLLMClient(context.Background(), cfg, aws.Config{}, nil)
	require.Error(t, err)
}

func TestBuildLLMClientSkipsUnusableFallback(t *testing.T) {
	cfg := memoryConfig()
	cfg.LLMFallbackProvider = ProviderGemini
	client, cleanup, err := BuildLLMClient(context.Background(), cfg, aws.Config{}, logging.New("error"))
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, client)
}

func TestStepPolicy(t *testing.T) {
	cfg := &appconfig.Config{
		StepMaxAttempts:    5,
		StepInitialBackoff: time.Second,
		StepMaxBackoff:     10 * time.Second,
		StepTimeout:        time.Minute,
	}
	policy := StepPolicy(cfg)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.InitialBackoff)
	assert.Equal(t, 10*time.Second, policy.MaxBackoff)
	assert.Equal(t, time.Minute, policy.AttemptTimeout)
	assert.Equal(t, float64(2), policy.Multiplier)

	defaults := StepPolicy(&appconfig.Config{})
	assert.Equal(t, 3, defaults.MaxAttempts)
}

func TestDisclaimerConfig(t *testing.T) {
	tests := []struct {
		level   string
		want    compliance.DisclaimerLevel
		enabled bool
	}{
		{"short", compliance.DisclaimerShort, true},
		{"full", compliance.DisclaimerFull, true},
		{"", compliance.DisclaimerMedium, true},
		{"bogus", compliance.DisclaimerMedium, true},
		{"off", compliance.DisclaimerMedium, false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got := DisclaimerConfig(&appconfig.Config{ReportDisclaimerLevel: tt.level})
			assert.Equal(t, tt.want, got.Level)
			assert.Equal(t, tt.enabled, got.Enabled)
		})
	}
}

func TestBuildSigner(t *testing.T) {
	logger := logging.New("error")

	signer, err := BuildSigner(&appconfig.Config{StorageProvider: "s3"}, aws.Config{}, logger)
	require.NoError(t, err)
	assert.Nil(t, signer)

	signer, err = BuildSigner(&appconfig.Config{StorageProvider: "s3", S3Bucket: "scans", SignedURLTTL: time.Minute}, aws.Config{Region: "us-east-1"}, logger)
	require.NoError(t, err)
	assert.NotNil(t, signer)

	signer, err = BuildSigner(&appconfig.Config{StorageProvider: "minio"}, aws.Config{}, logger)
	require.NoError(t, err)
	assert.Nil(t, signer)

	_, err = BuildSigner(&appconfig.Config{StorageProvider: "gcs"}, aws.Config{}, logger)
	require.Error(t, err)
}

func TestBuildEmailSender(t *testing.T) {
	logger := logging.New("error")

	assert.Nil(t, BuildEmailSender(&appconfig.Config{}, aws.Config{}, logger))
	assert.Nil(t, BuildEmailSender(&appconfig.Config{AlertEmailProvider: "sendgrid"}, aws.Config{}, logger))
	assert.Nil(t, BuildEmailSender(&appconfig.Config{AlertEmailProvider: "ses"}, aws.Config{}, logger))

	sender := BuildEmailSender(&appconfig.Config{AlertEmailProvider: "stub"}, aws.Config{}, logger)
	_, isStub := sender.(*notify.StubEmailSender)
	assert.True(t, isStub)

	sender = BuildEmailSender(&appconfig.Config{AlertEmailProvider: "sendgrid", SendGridAPIKey: "SG.test", SendGridFromEmail: "alerts@example.com"}, aws.Config{}, logger)
	_, isSendGrid := sender.(*notify.SendGridSender)
	assert.True(t, isSendGrid)
}

func TestBuildRedisClientAndDebouncer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	logger := logging.New("error")

	assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{}, logger, true))

	client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: mr.Addr()}, logger, true)
	require.NotNil(t, client)
	defer func() { _ = client.Close() }()

	repo := records.NewMemoryRepository()
	_, isRedis := BuildDebouncer(repo, client, time.Minute).(*triage.RedisDebouncer)
	assert.True(t, isRedis)
	_, isStore := BuildDebouncer(repo, nil, time.Minute).(*triage.StoreDebouncer)
	assert.True(t, isStore)

	addr := mr.Addr()
	mr.Close()
	assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{RedisAddr: addr}, logger, true))
}
