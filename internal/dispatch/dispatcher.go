package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/personalize"
)

var (
	dispatchedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_recipients_dispatched_total",
		Help: "Recipients processed by the batch dispatcher",
	}, []string{"provider", "status"})
	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_gateway_call_duration_seconds",
		Help:    "Latency of gateway batch calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

// Store is the recipient persistence used during dispatch. ApplyOutcomes must
// only write recipients that are still pending, move the campaign counters by
// the rows it wrote in the same transaction, and report those sent/failed
// counts.
type Store interface {
	PendingRecipients(ctx context.Context, campaignID string) ([]campaign.Recipient, error)
	ApplyOutcomes(ctx context.Context, campaignID string, outcomes []campaign.Outcome) (sent, failed int, err error)
}

type Config struct {
	Concurrency    int
	GatewayTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.GatewayTimeout <= 0 {
		out.GatewayTimeout = 30 * time.Second
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 2 * time.Second
	}
	return out
}

type Dispatcher struct {
	Store   Store
	Limiter Limiter
	Config  Config
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Summary is the outcome of one Dispatch call. Sent+Failed equals Pending
// unless the run was interrupted.
type Summary struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Retried int `json:"retried"`
	Batches int `json:"batches"`
}

// ErrPersist marks a failure to record outcomes. It is systemic.
var ErrPersist = errors.New("persist dispatch outcomes")

// Dispatch sends every pending recipient of c through gw. Retry-eligible
// failures are re-queued and sent again in later rounds until they succeed or
// reach the retry ceiling. Cancelling ctx stops new batches; recipients whose
// calls were interrupted stay pending for a later run.
func (d *Dispatcher) Dispatch(ctx context.Context, c *campaign.Campaign, gw gateway.Gateway) (Summary, error) {
	cfg := d.Config.withDefaults()
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch_campaign")
	defer span.End()
	span.SetAttributes(
		attribute.String("campaign.id", c.ID),
		attribute.String("gateway.provider", gw.Name()),
	)
	logger := common.WithContext(ctx, d.Logger).With().Str("campaign_id", c.ID).Str("provider", gw.Name()).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var summary Summary
	for round := 0; ; round++ {
		pending, err := d.Store.PendingRecipients(ctx, c.ID)
		if err != nil {
			span.RecordError(err)
			return summary, fmt.Errorf("%w: load pending recipients: %v", ErrPersist, err)
		}
		if round == 0 {
			summary.Pending = len(pending)
		}
		if len(pending) == 0 {
			break
		}

		res, err := d.round(ctx, cfg, c, gw, pending, logger)
		summary.Sent += res.sent
		summary.Failed += res.failed
		summary.Retried += res.requeued
		summary.Batches += res.batches
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return summary, err
		}
		if res.requeued == 0 {
			break
		}

		wait := bo.NextBackOff()
		if res.retryAfter > wait {
			wait = res.retryAfter
		}
		logger.Debug().Int("requeued", res.requeued).Dur("wait", wait).Msg("retrying re-queued recipients")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return summary, ctx.Err()
		case <-timer.C:
		}
	}

	span.SetAttributes(
		attribute.Int("dispatch.sent", summary.Sent),
		attribute.Int("dispatch.failed", summary.Failed),
	)
	logger.Info().
		Int("pending", summary.Pending).
		Int("sent", summary.Sent).
		Int("failed", summary.Failed).
		Int("retried", summary.Retried).
		Msg("dispatch finished")
	return summary, nil
}

type roundResult struct {
	sent       int
	failed     int
	requeued   int
	batches    int
	retryAfter time.Duration
}

type batchOutcome struct {
	outcomes   []campaign.Outcome
	sent       int
	failed     int
	requeued   int
	retryAfter time.Duration
}

// round sends pending through a bounded pool. Workers only talk to the
// gateway; this goroutine is the single point that persists outcomes and folds
// the counts.
func (d *Dispatcher) round(ctx context.Context, cfg Config, c *campaign.Campaign, gw gateway.Gateway, pending []campaign.Recipient, logger zerolog.Logger) (roundResult, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	units := plan(c, pending, gw.BatchSize())
	results := make(chan batchOutcome)

	go func() {
		var g errgroup.Group
		g.SetLimit(cfg.Concurrency)
		for _, u := range units {
			if runCtx.Err() != nil {
				break
			}
			u := u
			g.Go(func() error {
				results <- d.sendBatch(runCtx, cfg, c, gw, u)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var (
		res        roundResult
		persistErr error
	)
	for out := range results {
		if persistErr != nil || len(out.outcomes) == 0 {
			continue
		}
		sent, failed, err := d.Store.ApplyOutcomes(context.WithoutCancel(ctx), c.ID, out.outcomes)
		if err != nil {
			persistErr = fmt.Errorf("%w: %v", ErrPersist, err)
			logger.Error().Err(err).Msg("failed to record batch outcomes")
			stop()
			continue
		}
		if skipped := out.sent + out.failed - sent - failed; skipped > 0 {
			logger.Warn().Int("skipped", skipped).Msg("outcomes for recipients no longer pending were not recorded")
		}
		out.sent, out.failed = sent, failed
		res.batches++
		res.sent += out.sent
		res.failed += out.failed
		res.requeued += out.requeued
		if out.retryAfter > res.retryAfter {
			res.retryAfter = out.retryAfter
		}
		dispatchedCounter.WithLabelValues(gw.Name(), string(campaign.RecipientSent)).Add(float64(out.sent))
		dispatchedCounter.WithLabelValues(gw.Name(), string(campaign.RecipientFailed)).Add(float64(out.failed))
		dispatchedCounter.WithLabelValues(gw.Name(), "requeued").Add(float64(out.requeued))
	}

	if persistErr != nil {
		return res, persistErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// sendBatch makes exactly one gateway call, bounded by the gateway timeout.
func (d *Dispatcher) sendBatch(ctx context.Context, cfg Config, c *campaign.Campaign, gw gateway.Gateway, u unit) batchOutcome {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "gateway_batch")
	defer span.End()
	batch, msgs := u.recipients, u.msgs
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	var (
		results  []gateway.Result
		batchErr error
	)
	release, err := d.acquire(ctx, c.GatewayID)
	if err != nil {
		batchErr = &gateway.Error{Kind: gateway.KindTransport, Provider: gw.Name(), Message: "acquire concurrency slot", Err: err}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, cfg.GatewayTimeout)
		start := time.Now()
		results, batchErr = gw.Send(callCtx, msgs)
		cancel()
		release()
		callDuration.WithLabelValues(gw.Name()).Observe(time.Since(start).Seconds())
	}
	interrupted := ctx.Err() != nil

	if batchErr != nil {
		span.RecordError(batchErr)
		d.Logger.Debug().Err(batchErr).Str("campaign_id", c.ID).Int("batch_size", len(batch)).Msg("gateway batch failed")
	}

	now := d.now()
	var out batchOutcome
	for i, r := range batch {
		res := gateway.Result{Phone: r.Phone}
		switch {
		case batchErr != nil:
			res.Err = batchErr
		case i < len(results):
			res = results[i]
		default:
			res.Err = &gateway.Error{Kind: gateway.KindRejected, Provider: gw.Name(), Message: "no result returned for recipient"}
		}

		if !res.Accepted && interrupted {
			continue
		}
		o := d.classify(cfg, r, msgs[i].Text, res, now)
		switch o.Status {
		case campaign.RecipientSent:
			out.sent++
		case campaign.RecipientFailed:
			out.failed++
		default:
			out.requeued++
			var gwErr *gateway.Error
			if errors.As(res.Err, &gwErr) && gwErr.RetryAfter > out.retryAfter {
				out.retryAfter = gwErr.RetryAfter
			}
		}
		out.outcomes = append(out.outcomes, o)
	}
	span.SetAttributes(
		attribute.Int("batch.sent", out.sent),
		attribute.Int("batch.failed", out.failed),
		attribute.Int("batch.requeued", out.requeued),
	)
	return out
}

// classify maps one gateway result to the recipient's next state. Retryable
// kinds below the ceiling go back to pending with the retry counter bumped.
func (d *Dispatcher) classify(cfg Config, r campaign.Recipient, text string, res gateway.Result, now time.Time) campaign.Outcome {
	o := campaign.Outcome{
		RecipientID: r.ID,
		Message:     text,
		RetryCount:  r.RetryCount,
	}
	if res.Accepted {
		sentAt := now
		o.Status = campaign.RecipientSent
		o.SentAt = &sentAt
		o.GatewayMessageID = res.MessageID
		o.Cost = res.Cost
		return o
	}

	err := res.Err
	if err == nil {
		err = &gateway.Error{Kind: gateway.KindRejected, Message: "not accepted"}
	}
	o.LastError = err.Error()
	if gateway.KindOf(err).Retryable() && r.RetryCount < cfg.MaxRetries {
		o.Status = campaign.RecipientPending
		o.RetryCount = r.RetryCount + 1
		return o
	}
	o.Status = campaign.RecipientFailed
	return o
}

func (d *Dispatcher) acquire(ctx context.Context, key string) (func(), error) {
	if d.Limiter == nil {
		return func() {}, nil
	}
	return d.Limiter.Acquire(ctx, key)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

type unit struct {
	recipients []campaign.Recipient
	msgs       []gateway.Message
}

// plan renders every pending recipient's message and groups recipients that
// share a text, in first-seen order, then splits each group to the gateway's
// batch size. A unit therefore carries a single text and maps to one gateway
// request.
func plan(c *campaign.Campaign, pending []campaign.Recipient, size int) []unit {
	groups := map[string][]campaign.Recipient{}
	var order []string
	for _, r := range pending {
		text := personalize.Message(c, r)
		if _, ok := groups[text]; !ok {
			order = append(order, text)
		}
		groups[text] = append(groups[text], r)
	}

	var units []unit
	for _, text := range order {
		for _, rs := range partition(groups[text], size) {
			msgs := make([]gateway.Message, len(rs))
			for i, r := range rs {
				msgs[i] = gateway.Message{RecipientID: r.ID, Phone: r.Phone, Text: text}
			}
			units = append(units, unit{recipients: rs, msgs: msgs})
		}
	}
	return units
}

func partition(rs []campaign.Recipient, size int) [][]campaign.Recipient {
	if size <= 0 {
		size = 1
	}
	batches := make([][]campaign.Recipient, 0, (len(rs)+size-1)/size)
	for start := 0; start < len(rs); start += size {
		end := start + size
		if end > len(rs) {
			end = len(rs)
		}
		batches = append(batches, rs[start:end])
	}
	return batches
}
