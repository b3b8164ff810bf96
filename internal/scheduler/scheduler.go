package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-dispatch/internal/campaign"
)

type DueLister interface {
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error)
}

type Starter interface {
	BeginSend(ctx context.Context, campaignID string) (campaign.Campaign, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, campaignID string) error
}

// Scheduler starts scheduled campaigns once their time has come. A campaign
// whose pre-flight fails stays scheduled and is tried again on the next tick.
type Scheduler struct {
	Campaigns DueLister
	Engine    Starter
	Queue     Enqueuer
	Interval  time.Duration
	Limit     int
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick starts every due campaign and returns how many were enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 100
	}
	due, err := s.Campaigns.DueCampaigns(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, c := range due {
		logger := s.Logger.With().Str("campaign_id", c.ID).Logger()
		if _, err := s.Engine.BeginSend(ctx, c.ID); err != nil {
			logger.Warn().Err(err).Msg("scheduled campaign could not start, will retry")
			continue
		}
		if err := s.Queue.Enqueue(ctx, c.ID); err != nil {
			logger.Error().Err(err).Msg("failed to enqueue dispatch job")
			continue
		}
		logger.Info().Msg("scheduled campaign started")
		started++
	}
	return started, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
