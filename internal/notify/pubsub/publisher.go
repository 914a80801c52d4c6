// Package pubsub announces finished runs on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/mdscrape/internal/notify"
	"github.com/JakeFAU/mdscrape/internal/report"
)

// Config names the topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New creates a Publisher for an existing topic handle. The caller keeps
// ownership of the client.
func New(topic *pubsub.Topic, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{topic: topic, logger: logger}
}

// Dial connects with application default credentials and checks that the
// topic exists.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("notify.pubsub project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	p := New(topic, logger)
	p.client = client
	return p, nil
}

// Publish sends the run notice and waits for the server to accept it.
func (p *Publisher) Publish(ctx context.Context, doc report.Document) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(notify.NoticeFrom(doc))
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	attrs := map[string]string{
		"run_id":      doc.RunID.String(),
		"mode":        doc.Mode,
		"resource_id": strconv.Itoa(doc.ResourceID),
		"cancelled":   strconv.FormatBool(doc.Cancelled),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	p.logger.Info("run notice published", zap.String("message_id", id), zap.Stringer("run_id", doc.RunID))
	return nil
}

// Close flushes pending messages and releases the client if Dial created it.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
