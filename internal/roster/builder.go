package roster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/common"
	"github.com/example/campaign-dispatch/internal/phone"
)

var preparedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campaign_roster_prepared_total",
	Help: "Roster candidates by preparation outcome",
}, []string{"outcome"})

type ContactSource interface {
	Candidates(ctx context.Context, audience campaign.Audience) ([]campaign.Contact, error)
}

type SuppressionChecker interface {
	SuppressedAmong(ctx context.Context, phones []string) (map[string]bool, error)
}

// RecipientWriter replaces a campaign's recipients in one transaction and
// resets its counters to the new roster size.
type RecipientWriter interface {
	ReplaceRecipients(ctx context.Context, campaignID string, recipients []campaign.Recipient) error
}

type SkipReason string

const (
	SkipNoPhone      SkipReason = "no_phone"
	SkipNotOptedIn   SkipReason = "not_opted_in"
	SkipInvalidPhone SkipReason = "invalid_phone"
	SkipSuppressed   SkipReason = "suppressed"
	SkipDuplicate    SkipReason = "duplicate"
)

type RowError struct {
	ContactID string `json:"contact_id"`
	Phone     string `json:"phone"`
	Error     string `json:"error"`
}

type Report struct {
	Candidates int                `json:"candidates"`
	Created    int                `json:"created"`
	Skipped    map[SkipReason]int `json:"skipped"`
	Errors     []RowError         `json:"errors,omitempty"`
}

func (r *Report) skip(reason SkipReason) {
	r.Skipped[reason]++
}

type Builder struct {
	Contacts     ContactSource
	Suppressions SuppressionChecker
	Recipients   RecipientWriter
	Normalizer   phone.Normalizer
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Build resolves the campaign's audience into pending recipients and replaces
// any existing roster. Only draft campaigns may be prepared.
func (b *Builder) Build(ctx context.Context, c *campaign.Campaign) (Report, error) {
	if err := c.CheckPrepare(); err != nil {
		return Report{}, err
	}
	if err := c.Audience.Validate(); err != nil {
		return Report{}, err
	}

	ctx, span := otel.Tracer("roster").Start(ctx, "prepare_roster")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", c.ID))

	candidates, err := b.Contacts.Candidates(ctx, c.Audience)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("resolve audience: %w", err)
	}

	report := Report{Candidates: len(candidates), Skipped: map[SkipReason]int{}}
	seen := make(map[string]struct{}, len(candidates))
	kept := make([]campaign.Contact, 0, len(candidates))
	phones := make([]string, 0, len(candidates))

	for _, ct := range candidates {
		if strings.TrimSpace(ct.Phone) == "" {
			report.skip(SkipNoPhone)
			continue
		}
		if c.Audience.RequiresOptIn() && !ct.OptIn {
			report.skip(SkipNotOptedIn)
			continue
		}
		p, err := b.Normalizer.Normalize(ct.Phone)
		if err != nil {
			report.skip(SkipInvalidPhone)
			report.Errors = append(report.Errors, RowError{ContactID: ct.ID, Phone: ct.Phone, Error: err.Error()})
			continue
		}
		if _, dup := seen[p]; dup {
			report.skip(SkipDuplicate)
			continue
		}
		seen[p] = struct{}{}
		ct.Phone = p
		kept = append(kept, ct)
		phones = append(phones, p)
	}

	suppressed, err := b.Suppressions.SuppressedAmong(ctx, phones)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("check suppressions: %w", err)
	}

	now := b.now()
	recipients := make([]campaign.Recipient, 0, len(kept))
	for _, ct := range kept {
		if suppressed[ct.Phone] {
			report.skip(SkipSuppressed)
			continue
		}
		recipients = append(recipients, campaign.Recipient{
			ID:              uuid.NewString(),
			CampaignID:      c.ID,
			Phone:           ct.Phone,
			Name:            ct.Name,
			Category:        category(ct.Category),
			AdmissionNumber: ct.AdmissionNumber,
			StaffID:         ct.StaffID,
			Status:          campaign.RecipientPending,
			CreatedAt:       now,
		})
	}

	if err := b.Recipients.ReplaceRecipients(ctx, c.ID, recipients); err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("replace recipients: %w", err)
	}

	report.Created = len(recipients)
	c.Counters = campaign.Counters{Total: report.Created, Pending: report.Created}
	c.UpdatedAt = now

	preparedCounter.WithLabelValues("created").Add(float64(report.Created))
	for reason, n := range report.Skipped {
		preparedCounter.WithLabelValues(string(reason)).Add(float64(n))
	}
	span.SetAttributes(attribute.Int("roster.created", report.Created))

	logger := common.WithContext(ctx, b.Logger)
	logger.Info().
		Str("campaign_id", c.ID).
		Int("candidates", report.Candidates).
		Int("created", report.Created).
		Interface("skipped", report.Skipped).
		Msg("roster prepared")

	return report, nil
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now().UTC()
}

func category(c campaign.Category) campaign.Category {
	switch c {
	case campaign.CategoryStudent, campaign.CategoryStaff:
		return c
	default:
		return campaign.CategoryOther
	}
}
