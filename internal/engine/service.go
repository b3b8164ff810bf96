package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/dispatch"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/personalize"
	"github.com/example/campaign-dispatch/internal/roster"
)

var (
	ErrInvalidCampaign = errors.New("invalid campaign")
	// ErrDispatchFailed wraps systemic failures that moved a campaign to failed.
	ErrDispatchFailed  = errors.New("campaign dispatch failed")
)

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c campaign.Campaign) error
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	CompareAndSwapStatus(ctx context.Context, c campaign.Campaign, from campaign.Status) error
	DeleteCampaign(ctx context.Context, id string) error
	SetCounters(ctx context.Context, campaignID string, counters campaign.Counters) error
}

type RecipientStore interface {
	ListRecipients(ctx context.Context, campaignID string, limit int) ([]campaign.Recipient, error)
	GetRecipient(ctx context.Context, campaignID, recipientID string) (campaign.Recipient, error)
	RecipientStatusCounts(ctx context.Context, campaignID string) (map[campaign.RecipientStatus]int, error)
}

// DispatchLeases grants one dispatch run per campaign at a time. A lease lapses
// after ttl unless its owner acquires it again, so a crashed run cannot block
// a resume for long.
type DispatchLeases interface {
	AcquireDispatchLease(ctx context.Context, campaignID, owner string, ttl time.Duration) (bool, error)
	ReleaseDispatchLease(ctx context.Context, campaignID, owner string) error
}

type GatewayStore interface {
	GetGateway(ctx context.Context, id string) (gateway.Config, error)
	DefaultGateway(ctx context.Context) (gateway.Config, error)
}

type Service struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Gateways   GatewayStore
	Roster     *roster.Builder
	Dispatcher *dispatch.Dispatcher
	NewGateway func(gateway.Config) (gateway.Gateway, error)
	Leases     DispatchLeases
	LeaseTTL   time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time
}

type CreateRequest struct {
	Name            string            `json:"name"`
	Template        string            `json:"template"`
	Personalized    bool              `json:"personalized"`
	Audience        campaign.Audience `json:"audience"`
	GatewayID       string            `json:"gateway_id,omitempty"`
	SendImmediately bool              `json:"send_immediately"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (campaign.Campaign, error) {
	if strings.TrimSpace(req.Name) == "" {
		return campaign.Campaign{}, fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	if strings.TrimSpace(req.Template) == "" {
		return campaign.Campaign{}, fmt.Errorf("%w: template is required", ErrInvalidCampaign)
	}
	if err := req.Audience.Validate(); err != nil {
		return campaign.Campaign{}, fmt.Errorf("%w: %w", ErrInvalidCampaign, err)
	}
	if req.Personalized {
		if err := personalize.Validate(req.Template); err != nil {
			return campaign.Campaign{}, fmt.Errorf("%w: %w", ErrInvalidCampaign, err)
		}
	}
	if req.GatewayID != "" {
		if _, err := s.Gateways.GetGateway(ctx, req.GatewayID); err != nil {
			return campaign.Campaign{}, fmt.Errorf("%w: gateway %s: %w", ErrInvalidCampaign, req.GatewayID, err)
		}
	}

	now := s.now()
	c := campaign.Campaign{
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(req.Name),
		Template:        req.Template,
		Personalized:    req.Personalized,
		Audience:        req.Audience,
		GatewayID:       req.GatewayID,
		Status:          campaign.StatusDraft,
		SendImmediately: req.SendImmediately,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Campaigns.CreateCampaign(ctx, c); err != nil {
		return campaign.Campaign{}, err
	}
	logger := common.WithContext(ctx, s.Logger)
	logger.Info().Str("campaign_id", c.ID).Str("audience", string(c.Audience.Type)).Msg("campaign created")
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	return s.Campaigns.GetCampaign(ctx, id)
}

// PrepareRoster replaces the roster of a draft campaign.
func (s *Service) PrepareRoster(ctx context.Context, id string) (roster.Report, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return roster.Report{}, err
	}
	return s.Roster.Build(ctx, &c)
}

func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (campaign.Campaign, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	from := c.Status
	if err := c.Schedule(at, s.now()); err != nil {
		return campaign.Campaign{}, err
	}
	if err := s.Campaigns.CompareAndSwapStatus(ctx, c, from); err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	from := c.Status
	if err := c.Cancel(s.now()); err != nil {
		return campaign.Campaign{}, err
	}
	if err := s.Campaigns.CompareAndSwapStatus(ctx, c, from); err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

// Delete removes a campaign and its recipients. A campaign being dispatched
// cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == campaign.StatusInProgress {
		return fmt.Errorf("%w: cannot delete a %s campaign", campaign.ErrInvalidTransition, c.Status)
	}
	return s.Campaigns.DeleteCampaign(ctx, id)
}

// BeginSend runs the pre-flight checks and moves the campaign to in_progress.
// The gateway is resolved here once and pinned on the campaign. No network
// call is made.
func (s *Service) BeginSend(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if !c.Status.CanTransition(campaign.StatusInProgress) {
		return campaign.Campaign{}, fmt.Errorf("%w: cannot send a %s campaign", campaign.ErrInvalidTransition, c.Status)
	}
	if c.Counters.Total == 0 {
		return campaign.Campaign{}, campaign.ErrEmptyRoster
	}
	cfg, err := s.resolveGateway(ctx, c.GatewayID)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if _, err := s.gateway(cfg); err != nil {
		return campaign.Campaign{}, fmt.Errorf("%w: %w", campaign.ErrNoGatewayConfigured, err)
	}

	from := c.Status
	if err := c.Start(cfg.ID, s.now()); err != nil {
		return campaign.Campaign{}, err
	}
	if err := s.Campaigns.CompareAndSwapStatus(ctx, c, from); err != nil {
		return campaign.Campaign{}, err
	}
	logger := common.WithContext(ctx, s.Logger)
	logger.Info().
		Str("campaign_id", c.ID).
		Str("gateway_id", cfg.ID).
		Int("recipients", c.Counters.Total).
		Msg("campaign send started")
	return c, nil
}

// Resume confirms a campaign is still in_progress so its dispatch job can be
// enqueued again, for example after the original enqueue was lost.
func (s *Service) Resume(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if c.Status != campaign.StatusInProgress {
		return campaign.Campaign{}, fmt.Errorf("%w: cannot resume a %s campaign", campaign.ErrInvalidTransition, c.Status)
	}
	return c, nil
}

func (s *Service) resolveGateway(ctx context.Context, id string) (gateway.Config, error) {
	var (
		cfg gateway.Config
		err error
	)
	if id != "" {
		cfg, err = s.Gateways.GetGateway(ctx, id)
	} else {
		cfg, err = s.Gateways.DefaultGateway(ctx)
	}
	if errors.Is(err, gateway.ErrConfigNotFound) {
		return gateway.Config{}, campaign.ErrNoGatewayConfigured
	}
	if err != nil {
		return gateway.Config{}, err
	}
	if !cfg.Active {
		return gateway.Config{}, fmt.Errorf("%w: gateway %s is inactive", campaign.ErrNoGatewayConfigured, cfg.ID)
	}
	return cfg, nil
}

// Result is the outcome surfaced to whoever started the send.
type Result struct {
	CampaignID string            `json:"campaign_id"`
	Status     campaign.Status   `json:"status"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Counters   campaign.Counters `json:"counters"`
	Summary    dispatch.Summary  `json:"summary"`
	Error      string            `json:"error,omitempty"`
}

// RunDispatch sends the pending recipients of an in_progress campaign and
// finishes it. It is safe to call again after a crash: only pending
// recipients are processed. If ctx is cancelled the campaign stays
// in_progress. A run that finds the campaign leased by another run returns
// campaign.ErrDispatchInProgress without sending.
func (s *Service) RunDispatch(ctx context.Context, id string) (Result, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "run_dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", id))
	logger := common.WithContext(ctx, s.Logger).With().Str("campaign_id", id).Logger()

	leaseCtx, lost, release, err := s.lease(ctx, id, logger)
	if err != nil {
		return Result{}, err
	}
	defer release()

	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if c.Status != campaign.StatusInProgress {
		return Result{}, fmt.Errorf("%w: campaign is %s", campaign.ErrInvalidTransition, c.Status)
	}

	cfg, err := s.Gateways.GetGateway(ctx, c.GatewayID)
	if err != nil {
		return s.fail(ctx, c, dispatch.Summary{}, fmt.Errorf("load gateway %s: %w", c.GatewayID, err))
	}
	gw, err := s.gateway(cfg)
	if err != nil {
		return s.fail(ctx, c, dispatch.Summary{}, fmt.Errorf("build gateway %s: %w", c.GatewayID, err))
	}

	summary, err := s.Dispatcher.Dispatch(leaseCtx, &c, gw)
	if err != nil {
		if leaseCtx.Err() != nil {
			if lost() {
				err = fmt.Errorf("%w: lease lost during dispatch", campaign.ErrDispatchInProgress)
			}
			logger.Warn().Err(err).Int("sent", summary.Sent).Int("failed", summary.Failed).Msg("dispatch interrupted, campaign left in progress")
			return Result{CampaignID: c.ID, Status: c.Status, Sent: summary.Sent, Failed: summary.Failed, Summary: summary}, err
		}
		return s.fail(ctx, c, summary, err)
	}

	counters, err := s.reconcile(ctx, c.ID)
	if err != nil {
		return s.fail(ctx, c, summary, err)
	}
	c.Counters = counters
	if counters.Pending > 0 {
		return s.fail(ctx, c, summary, fmt.Errorf("%d recipients still pending after dispatch", counters.Pending))
	}

	if err := c.Complete(s.now()); err != nil {
		return Result{}, err
	}
	if err := s.Campaigns.CompareAndSwapStatus(context.WithoutCancel(ctx), c, campaign.StatusInProgress); err != nil {
		return Result{}, err
	}
	logger.Info().Int("sent", counters.Sent).Int("failed", counters.Failed).Msg("campaign completed")
	return Result{
		CampaignID: c.ID,
		Status:     c.Status,
		Sent:       counters.Sent,
		Failed:     counters.Failed,
		Counters:   counters,
		Summary:    summary,
	}, nil
}

// lease takes the campaign's dispatch lease and keeps it alive until release
// is called. The returned context is cancelled if the lease cannot be
// extended; lost reports whether that happened.
func (s *Service) lease(ctx context.Context, id string, logger zerolog.Logger) (context.Context, func() bool, func(), error) {
	if s.Leases == nil {
		return ctx, func() bool { return false }, func() {}, nil
	}
	ttl := s.LeaseTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	owner := uuid.NewString()

	ok, err := s.Leases.AcquireDispatchLease(ctx, id, owner, ttl)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		if _, err := s.Campaigns.GetCampaign(ctx, id); err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, nil, campaign.ErrDispatchInProgress
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	var lostLease atomic.Bool
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				ok, err := s.Leases.AcquireDispatchLease(leaseCtx, id, owner, ttl)
				if err != nil {
					logger.Warn().Err(err).Msg("failed to extend dispatch lease")
					continue
				}
				if !ok {
					logger.Error().Msg("dispatch lease taken over, stopping dispatch")
					lostLease.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	release := func() {
		close(done)
		cancel()
		if err := s.Leases.ReleaseDispatchLease(context.WithoutCancel(ctx), id, owner); err != nil {
			logger.Warn().Err(err).Msg("failed to release dispatch lease")
		}
	}
	return leaseCtx, lostLease.Load, release, nil
}

// Send is BeginSend followed by RunDispatch in the caller's goroutine.
func (s *Service) Send(ctx context.Context, id string) (Result, error) {
	if _, err := s.BeginSend(ctx, id); err != nil {
		return Result{}, err
	}
	return s.RunDispatch(ctx, id)
}

func (s *Service) fail(ctx context.Context, c campaign.Campaign, summary dispatch.Summary, cause error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(cause).Str("campaign_id", c.ID).Msg("campaign dispatch failed")

	if counters, err := s.reconcile(ctx, c.ID); err == nil {
		c.Counters = counters
	}
	if err := c.Fail(cause.Error(), s.now()); err != nil {
		return Result{}, err
	}
	if err := s.Campaigns.CompareAndSwapStatus(ctx, c, campaign.StatusInProgress); err != nil {
		logger.Error().Err(err).Str("campaign_id", c.ID).Msg("failed to mark campaign failed")
	}
	return Result{
		CampaignID: c.ID,
		Status:     c.Status,
		Sent:       c.Counters.Sent,
		Failed:     c.Counters.Failed,
		Counters:   c.Counters,
		Summary:    summary,
		Error:      cause.Error(),
	}, fmt.Errorf("%w: %w", ErrDispatchFailed, cause)
}

// reconcile recomputes the counters from the recipient set and stores them.
func (s *Service) reconcile(ctx context.Context, id string) (campaign.Counters, error) {
	byStatus, err := s.Recipients.RecipientStatusCounts(ctx, id)
	if err != nil {
		return campaign.Counters{}, err
	}
	counters := countersFrom(byStatus)
	if err := s.Campaigns.SetCounters(ctx, id, counters); err != nil {
		return campaign.Counters{}, err
	}
	return counters, nil
}

func countersFrom(byStatus map[campaign.RecipientStatus]int) campaign.Counters {
	c := campaign.Counters{
		Sent:      byStatus[campaign.RecipientSent] + byStatus[campaign.RecipientDelivered],
		Failed:    byStatus[campaign.RecipientFailed],
		Delivered: byStatus[campaign.RecipientDelivered],
		Pending:   byStatus[campaign.RecipientPending],
	}
	c.Total = c.Sent + c.Failed + c.Pending
	return c
}

type Stats struct {
	Campaign campaign.Campaign                `json:"campaign"`
	Live     campaign.Counters                `json:"live"`
	ByStatus map[campaign.RecipientStatus]int `json:"by_status"`
}

// Stats returns the stored counters next to counts derived live from the
// recipient set.
func (s *Service) Stats(ctx context.Context, id string) (Stats, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	byStatus, err := s.Recipients.RecipientStatusCounts(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Campaign: c, Live: countersFrom(byStatus), ByStatus: byStatus}, nil
}

type Preview struct {
	RecipientID string `json:"recipient_id"`
	Phone       string `json:"phone"`
	Message     string `json:"message"`
}

// Preview renders the campaign message for one roster recipient, the first
// one when recipientID is empty.
func (s *Service) Preview(ctx context.Context, id, recipientID string) (Preview, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	var r campaign.Recipient
	if recipientID != "" {
		r, err = s.Recipients.GetRecipient(ctx, id, recipientID)
		if err != nil {
			return Preview{}, err
		}
	} else {
		rs, err := s.Recipients.ListRecipients(ctx, id, 1)
		if err != nil {
			return Preview{}, err
		}
		if len(rs) == 0 {
			return Preview{}, campaign.ErrEmptyRoster
		}
		r = rs[0]
	}
	return Preview{RecipientID: r.ID, Phone: r.Phone, Message: personalize.Message(&c, r)}, nil
}

func (s *Service) gateway(cfg gateway.Config) (gateway.Gateway, error) {
	if s.NewGateway != nil {
		return s.NewGateway(cfg)
	}
	return gateway.New(cfg, gateway.Options{})
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
