package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wolfman30/medtriage-ai-platform/pkg/logging"
)

type sqsSendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards outbox entries to an SQS queue.
type SQSPublisher struct {
	client   sqsSendAPI
	queueURL string
}

func NewSQSPublisher(client *sqs.Client, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	return newSQSPublisher(client, queueURL)
}

func newSQSPublisher(client sqsSendAPI, queueURL string) *SQSPublisher {
	if strings.TrimSpace(queueURL) == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(entry.Payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(entry.Type)},
			"event_id":   {DataType: aws.String("String"), StringValue: aws.String(entry.ID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("events: publish to SQS: %w", err)
	}
	return nil
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher forwards outbox entries to a RabbitMQ topic exchange,
// routed by event type.
type RabbitPublisher struct {
	mu       sync.Mutex
	ch       amqpChannel
	exchange string
}

// NewRabbitPublisher opens a channel on conn and declares a durable topic exchange.
func NewRabbitPublisher(conn *amqp.Connection, exchange string) (*RabbitPublisher, error) {
	if conn == nil {
		return nil, errors.New("events: rabbitmq connection required")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("events: open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return newRabbitPublisher(ch, exchange), nil
}

func newRabbitPublisher(ch amqpChannel, exchange string) *RabbitPublisher {
	if ch == nil {
		panic("events: amqp channel required")
	}
	return &RabbitPublisher{ch: ch, exchange: exchange}
}

func (p *RabbitPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.ID.String(),
		Type:         entry.Type,
		Timestamp:    entry.CreatedAt,
		Body:         entry.Payload,
		Headers:      amqp.Table{"aggregate": entry.Aggregate},
	}
	// amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, entry.Type, false, false, msg); err != nil {
		return fmt.Errorf("events: publish to rabbitmq: %w", err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	return p.ch.Close()
}

// MultiHandler fans an entry out to every handler and joins their errors.
type MultiHandler []DeliveryHandler

func (m MultiHandler) Handle(ctx context.Context, entry OutboxEntry) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Handle(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TypedHandler runs next only for entries whose type matches eventType.
func TypedHandler(eventType string, next DeliveryHandler) DeliveryHandler {
	return HandlerFunc(func(ctx context.Context, entry OutboxEntry) error {
		if entry.Type != eventType {
			return nil
		}
		return next.Handle(ctx, entry)
	})
}

// BestEffort runs next and logs its failure instead of returning it, so a
// side effect such as an alert email cannot keep an entry pending and get the
// transport to publish it again.
func BestEffort(name string, next DeliveryHandler, logger *logging.Logger) DeliveryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return HandlerFunc(func(ctx context.Context, entry OutboxEntry) error {
		if err := next.Handle(ctx, entry); err != nil {
			logger.Error("best-effort handler failed", "handler", name, "error", err, "event_id", entry.ID, "type", entry.Type)
		}
		return nil
	})
}

// MemoryPublisher keeps delivered envelopes in memory.
type MemoryPublisher struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (m *MemoryPublisher) Handle(_ context.Context, entry OutboxEntry) error {
	var env Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return fmt.Errorf("events: decode envelope: %w", err)
	}
	m.mu.Lock()
	m.envelopes = append(m.envelopes, env)
	m.mu.Unlock()
	return nil
}

func (m *MemoryPublisher) Envelopes() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.envelopes...)
}

// DecodeReportGenerated extracts the payload of a report.generated.v1 entry.
func DecodeReportGenerated(entry OutboxEntry) (ReportGeneratedV1, error) {
	var env Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return ReportGeneratedV1{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if env.EventType != TypeReportGenerated {
		return ReportGeneratedV1{}, fmt.Errorf("events: unexpected event type %q", env.EventType)
	}
	var evt ReportGeneratedV1
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		return ReportGeneratedV1{}, fmt.Errorf("events: decode report generated: %w", err)
	}
	return evt, nil
}
