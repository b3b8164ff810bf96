package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the worker uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer the worker uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Job asks a dispatcher process to run the dispatch loop of one campaign.
type Job struct {
	CampaignID string    `json:"campaign_id"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Event is published when a dispatch job finishes.
type Event struct {
	CampaignID string    `json:"campaign_id"`
	Status     string    `json:"status"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Publisher enqueues dispatch jobs keyed by campaign id, so every job of a
// campaign lands on the same partition and is consumed in order.
type Publisher struct {
	Writer MessageWriter
	Reason string
}

func (p *Publisher) Enqueue(ctx context.Context, campaignID string) error {
	payload, err := json.Marshal(Job{CampaignID: campaignID, Reason: p.Reason, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := p.Writer.WriteMessages(ctx, kafka.Message{Key: []byte(campaignID), Value: payload}); err != nil {
		return fmt.Errorf("enqueue dispatch job: %w", err)
	}
	return nil
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	})
}
