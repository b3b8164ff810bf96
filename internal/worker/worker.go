package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/engine"
)

type Runner interface {
	RunDispatch(ctx context.Context, campaignID string) (engine.Result, error)
}

// Worker consumes dispatch jobs. The offset is committed only after the job
// has been processed, so a crash re-delivers the job and the dispatch resumes
// the recipients still pending.
type Worker struct {
	ReaderFactory func() MessageReader
	DLQWriter     MessageWriter
	EventWriter   MessageWriter
	Runner        Runner
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if w.ReaderFactory == nil || w.Runner == nil {
		return errors.New("worker requires a reader factory and a runner")
	}
	reader := w.ReaderFactory()
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.CampaignID == "" {
			w.Logger.Error().Err(err).Str("key", string(msg.Key)).Msg("failed to decode dispatch job")
			if err := reader.CommitMessages(ctx, msg); err != nil {
				w.Logger.Error().Err(err).Str("key", string(msg.Key)).Int64("offset", msg.Offset).Msg("failed to commit undecodable dispatch job")
				return fmt.Errorf("commit message: %w", err)
			}
			continue
		}

		if err := w.process(ctx, job, msg); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job, msg kafka.Message) error {
	spanCtx, span := otel.Tracer("dispatch-worker").Start(ctx, "dispatch_job")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", job.CampaignID))
	logger := common.WithContext(spanCtx, w.Logger).With().Str("campaign_id", job.CampaignID).Logger()

	res, err := w.Runner.RunDispatch(spanCtx, job.CampaignID)
	switch {
	case err == nil:
		logger.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("dispatch job completed")
		return w.emitEvent(ctx, res, "")
	case ctx.Err() != nil:
		logger.Warn().Err(err).Msg("dispatch interrupted by shutdown")
		return nil
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, campaign.ErrDispatchInProgress):
		logger.Warn().Err(err).Msg("skipping dispatch job")
		return nil
	default:
		span.RecordError(err)
		logger.Error().Err(err).Msg("dispatch job failed, sending to DLQ")
		if dlqErr := w.writeDLQ(ctx, msg); dlqErr != nil {
			return dlqErr
		}
		if res.CampaignID == "" {
			res = engine.Result{CampaignID: job.CampaignID, Status: campaign.StatusInProgress}
		}
		return w.emitEvent(ctx, res, err.Error())
	}
}

func (w *Worker) writeDLQ(ctx context.Context, msg kafka.Message) error {
	if w.DLQWriter == nil {
		return nil
	}
	if err := w.DLQWriter.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value}); err != nil {
		return fmt.Errorf("write dlq: %w", err)
	}
	return nil
}

func (w *Worker) emitEvent(ctx context.Context, res engine.Result, errText string) error {
	if w.EventWriter == nil {
		return nil
	}
	payload, err := json.Marshal(Event{
		CampaignID: res.CampaignID,
		Status:     string(res.Status),
		Sent:       res.Sent,
		Failed:     res.Failed,
		Error:      errText,
		EmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := w.EventWriter.WriteMessages(ctx, kafka.Message{Key: []byte(res.CampaignID), Value: payload}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
