package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/suppression"
)

var ErrNotConfigured = errors.New("postgres store requires a non-nil pool")

const uniqueViolation = "23505"

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return &Postgres{pool: pool}, nil
}

const campaignColumns = `id, name, template, personalized, audience_type, audience_selector, audience_contact_ids,
gateway_id, status, send_immediately, scheduled_at, total_recipients, sent_count, failed_count,
delivered_count, pending_count, last_error, started_at, finished_at, created_at, updated_at`

const insertCampaign = `
INSERT INTO campaigns (` + campaignColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
`

func (p *Postgres) CreateCampaign(ctx context.Context, c campaign.Campaign) error {
	ids := c.Audience.ContactIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := p.pool.Exec(ctx, insertCampaign,
		c.ID, c.Name, c.Template, c.Personalized,
		string(c.Audience.Type), c.Audience.Selector, ids,
		c.GatewayID, string(c.Status), c.SendImmediately, c.ScheduledAt,
		c.Counters.Total, c.Counters.Sent, c.Counters.Failed, c.Counters.Delivered, c.Counters.Pending,
		c.LastError, c.StartedAt, c.FinishedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func scanCampaign(row pgx.Row) (campaign.Campaign, error) {
	var (
		c            campaign.Campaign
		audienceType string
		status       string
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Template, &c.Personalized,
		&audienceType, &c.Audience.Selector, &c.Audience.ContactIDs,
		&c.GatewayID, &status, &c.SendImmediately, &c.ScheduledAt,
		&c.Counters.Total, &c.Counters.Sent, &c.Counters.Failed, &c.Counters.Delivered, &c.Counters.Pending,
		&c.LastError, &c.StartedAt, &c.FinishedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Audience.Type = campaign.AudienceType(audienceType)
	c.Status = campaign.Status(status)
	return c, nil
}

func (p *Postgres) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := scanCampaign(p.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("select campaign: %w", err)
	}
	return c, nil
}

const swapStatus = `
UPDATE campaigns SET
status = $3,
gateway_id = $4,
send_immediately = $5,
scheduled_at = $6,
last_error = $7,
started_at = $8,
finished_at = $9,
updated_at = $10
WHERE id = $1 AND status = $2
`

// CompareAndSwapStatus writes the lifecycle fields of c only while the stored
// status still equals from.
func (p *Postgres) CompareAndSwapStatus(ctx context.Context, c campaign.Campaign, from campaign.Status) error {
	tag, err := p.pool.Exec(ctx, swapStatus,
		c.ID, string(from), string(c.Status), c.GatewayID, c.SendImmediately, c.ScheduledAt,
		c.LastError, c.StartedAt, c.FinishedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := p.GetCampaign(ctx, c.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign is %s, expected %s", campaign.ErrInvalidTransition, cur.Status, from)
}

func (p *Postgres) DeleteCampaign(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (p *Postgres) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns
WHERE status = 'scheduled' AND scheduled_at <= $1
ORDER BY scheduled_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due campaigns: %w", err)
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) SetCounters(ctx context.Context, campaignID string, c campaign.Counters) error {
	_, err := p.pool.Exec(ctx, `UPDATE campaigns SET total_recipients = $2, sent_count = $3, failed_count = $4,
delivered_count = $5, pending_count = $6, updated_at = now() WHERE id = $1`,
		campaignID, c.Total, c.Sent, c.Failed, c.Delivered, c.Pending)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return nil
}

var recipientCopyColumns = []string{
	"id", "campaign_id", "phone", "name", "category", "admission_number", "staff_id",
	"status", "message", "retry_count", "created_at",
}

// ReplaceRecipients discards the campaign's roster and bulk-inserts rs, all in
// one transaction that also guards on the campaign still being a draft.
func (p *Postgres) ReplaceRecipients(ctx context.Context, campaignID string, rs []campaign.Recipient) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE campaigns SET total_recipients = $2, pending_count = $2, sent_count = 0,
failed_count = 0, delivered_count = 0, updated_at = now() WHERE id = $1 AND status = 'draft'`, campaignID, len(rs))
	if err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetCampaign(ctx, campaignID); err != nil {
			return err
		}
		return fmt.Errorf("%w: campaign is not a draft", campaign.ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("delete recipients: %w", err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"campaign_recipients"}, recipientCopyColumns,
		pgx.CopyFromSlice(len(rs), func(i int) ([]any, error) {
			r := rs[i]
			return []any{
				r.ID, campaignID, r.Phone, r.Name, string(r.Category), r.AdmissionNumber, r.StaffID,
				string(r.Status), r.Message, r.RetryCount, r.CreatedAt,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy recipients: %w", err)
	}
	return tx.Commit(ctx)
}

const recipientColumns = `id, campaign_id, phone, name, category, admission_number, staff_id, status, message,
sent_at, delivered_at, last_error, retry_count, gateway_message_id, cost, created_at`

func scanRecipient(row pgx.Row) (campaign.Recipient, error) {
	var (
		r        campaign.Recipient
		category string
		status   string
	)
	err := row.Scan(&r.ID, &r.CampaignID, &r.Phone, &r.Name, &category, &r.AdmissionNumber, &r.StaffID,
		&status, &r.Message, &r.SentAt, &r.DeliveredAt, &r.LastError, &r.RetryCount,
		&r.GatewayMessageID, &r.Cost, &r.CreatedAt)
	if err != nil {
		return campaign.Recipient{}, err
	}
	r.Category = campaign.Category(category)
	r.Status = campaign.RecipientStatus(status)
	return r, nil
}

func (p *Postgres) queryRecipients(ctx context.Context, sql string, args ...any) ([]campaign.Recipient, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select recipients: %w", err)
	}
	defer rows.Close()

	var out []campaign.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) PendingRecipients(ctx context.Context, campaignID string) ([]campaign.Recipient, error) {
	return p.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients
WHERE campaign_id = $1 AND status = 'pending' ORDER BY seq`, campaignID)
}

func (p *Postgres) ListRecipients(ctx context.Context, campaignID string, limit int) ([]campaign.Recipient, error) {
	return p.queryRecipients(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients
WHERE campaign_id = $1 ORDER BY seq LIMIT NULLIF($2::int, 0)`, campaignID, limit)
}

func (p *Postgres) GetRecipient(ctx context.Context, campaignID, recipientID string) (campaign.Recipient, error) {
	r, err := scanRecipient(p.pool.QueryRow(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients
WHERE campaign_id = $1 AND id = $2`, campaignID, recipientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Recipient{}, campaign.ErrRecipientNotFound
	}
	return r, err
}

const updateRecipient = `
UPDATE campaign_recipients SET
status = $3,
message = $4,
sent_at = $5,
last_error = $6,
retry_count = $7,
gateway_message_id = $8,
cost = $9
WHERE id = $1 AND campaign_id = $2 AND status = 'pending'
`

// ApplyOutcomes records one batch: recipient rows and the campaign counter
// increments commit together. Only rows still pending are written, and the
// counters move by the rows actually written.
func (p *Postgres) ApplyOutcomes(ctx context.Context, campaignID string, outcomes []campaign.Outcome) (int, int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, o := range outcomes {
		batch.Queue(updateRecipient, o.RecipientID, campaignID, string(o.Status), o.Message, o.SentAt,
			o.LastError, o.RetryCount, o.GatewayMessageID, o.Cost)
	}
	br := tx.SendBatch(ctx, batch)
	var sent, failed int
	for _, o := range outcomes {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, 0, fmt.Errorf("update recipient: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		switch o.Status {
		case campaign.RecipientSent:
			sent++
		case campaign.RecipientFailed:
			failed++
		}
	}
	if err := br.Close(); err != nil {
		return 0, 0, err
	}

	if sent+failed > 0 {
		if _, err := tx.Exec(ctx, `UPDATE campaigns SET sent_count = sent_count + $2, failed_count = failed_count + $3,
pending_count = pending_count - $2 - $3, updated_at = now() WHERE id = $1`, campaignID, sent, failed); err != nil {
			return 0, 0, fmt.Errorf("increment counters: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return sent, failed, nil
}

// AcquireDispatchLease takes or extends the campaign's dispatch lease. It
// returns false while another owner holds an unexpired lease or when the
// campaign does not exist.
func (p *Postgres) AcquireDispatchLease(ctx context.Context, campaignID, owner string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE campaigns
SET dispatch_owner = $2, lease_until = now() + make_interval(secs => $3::double precision)
WHERE id = $1 AND (dispatch_owner IS NULL OR dispatch_owner = $2 OR lease_until < now())`,
		campaignID, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire dispatch lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ReleaseDispatchLease(ctx context.Context, campaignID, owner string) error {
	_, err := p.pool.Exec(ctx, `UPDATE campaigns SET dispatch_owner = NULL, lease_until = NULL
WHERE id = $1 AND dispatch_owner = $2`, campaignID, owner)
	if err != nil {
		return fmt.Errorf("release dispatch lease: %w", err)
	}
	return nil
}

func (p *Postgres) RecipientStatusCounts(ctx context.Context, campaignID string) (map[campaign.RecipientStatus]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM campaign_recipients
WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	defer rows.Close()

	counts := map[campaign.RecipientStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[campaign.RecipientStatus(status)] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) InsertSuppression(ctx context.Context, e suppression.Entry) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO suppressions (id, phone, reason, note, created_at)
VALUES ($1,$2,$3,$4,$5)`, e.ID, e.Phone, string(e.Reason), e.Note, e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return suppression.ErrAlreadySuppressed
	}
	if err != nil {
		return fmt.Errorf("insert suppression: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteSuppression(ctx context.Context, phone string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM suppressions WHERE phone = $1`, phone)
	if err != nil {
		return fmt.Errorf("delete suppression: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (p *Postgres) GetSuppression(ctx context.Context, phone string) (suppression.Entry, error) {
	var (
		e      suppression.Entry
		reason string
	)
	err := p.pool.QueryRow(ctx, `SELECT id, phone, reason, note, created_at FROM suppressions WHERE phone = $1`, phone).
		Scan(&e.ID, &e.Phone, &reason, &e.Note, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return suppression.Entry{}, suppression.ErrNotFound
	}
	if err != nil {
		return suppression.Entry{}, fmt.Errorf("select suppression: %w", err)
	}
	e.Reason = suppression.Reason(reason)
	return e, nil
}

func (p *Postgres) SuppressedPhones(ctx context.Context, phones []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(phones) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT phone FROM suppressions WHERE phone = ANY($1)`, phones)
	if err != nil {
		return nil, fmt.Errorf("select suppressions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, err
		}
		out[phone] = true
	}
	return out, rows.Err()
}

const gatewayColumns = `id, name, provider, api_key, api_secret, username, sender_id, url, method, sandbox, active, is_default, created_at`

func scanGateway(row pgx.Row) (gateway.Config, error) {
	var (
		cfg      gateway.Config
		provider string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &provider, &cfg.APIKey, &cfg.APISecret, &cfg.Username, &cfg.SenderID,
		&cfg.URL, &cfg.Method, &cfg.Sandbox, &cfg.Active, &cfg.IsDefault, &cfg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Config{}, gateway.ErrConfigNotFound
	}
	if err != nil {
		return gateway.Config{}, err
	}
	cfg.Provider = gateway.ProviderType(provider)
	return cfg, nil
}

// CreateGateway inserts cfg. A new default clears the previous one in the same
// transaction.
func (p *Postgres) CreateGateway(ctx context.Context, cfg gateway.Config) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if cfg.IsDefault {
		if _, err := tx.Exec(ctx, `UPDATE gateway_configs SET is_default = FALSE WHERE is_default`); err != nil {
			return fmt.Errorf("clear default gateway: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `INSERT INTO gateway_configs (`+gatewayColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		cfg.ID, cfg.Name, string(cfg.Provider), cfg.APIKey, cfg.APISecret, cfg.Username, cfg.SenderID,
		cfg.URL, cfg.Method, cfg.Sandbox, cfg.Active, cfg.IsDefault, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert gateway: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetGateway(ctx context.Context, id string) (gateway.Config, error) {
	return scanGateway(p.pool.QueryRow(ctx, `SELECT `+gatewayColumns+` FROM gateway_configs WHERE id = $1`, id))
}

func (p *Postgres) DefaultGateway(ctx context.Context) (gateway.Config, error) {
	return scanGateway(p.pool.QueryRow(ctx, `SELECT `+gatewayColumns+` FROM gateway_configs WHERE is_default`))
}

func (p *Postgres) SetDefaultGateway(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE gateway_configs SET is_default = FALSE WHERE is_default AND id <> $1`, id); err != nil {
		return fmt.Errorf("clear default gateway: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE gateway_configs SET is_default = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set default gateway: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrConfigNotFound
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListGateways(ctx context.Context) ([]gateway.Config, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+gatewayColumns+` FROM gateway_configs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select gateways: %w", err)
	}
	defer rows.Close()

	var out []gateway.Config
	for rows.Next() {
		cfg, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

const contactColumns = `c.id, c.name, c.phone, c.category, c.admission_number, c.staff_id, c.opt_in`

// Candidates resolves an audience against the contacts tables.
func (p *Postgres) Candidates(ctx context.Context, a campaign.Audience) ([]campaign.Contact, error) {
	var (
		query string
		args  []any
	)
	switch a.Type {
	case campaign.AudienceAllStudents:
		query = `SELECT ` + contactColumns + ` FROM contacts c WHERE c.category = 'student'`
	case campaign.AudienceAllStaff:
		query = `SELECT ` + contactColumns + ` FROM contacts c WHERE c.category = 'staff'`
	case campaign.AudienceDepartment:
		query = `SELECT ` + contactColumns + ` FROM contacts c WHERE c.department_id = $1`
		args = append(args, a.Selector)
	case campaign.AudienceClub:
		query = `SELECT ` + contactColumns + ` FROM contacts c JOIN club_members m ON m.contact_id = c.id WHERE m.club_id = $1`
		args = append(args, a.Selector)
	case campaign.AudienceCustom:
		query = `SELECT ` + contactColumns + ` FROM contacts c WHERE c.id = ANY($1)`
		args = append(args, a.ContactIDs)
	default:
		return nil, campaign.ErrUnknownAudience
	}
	query += ` ORDER BY c.created_at, c.id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select contacts: %w", err)
	}
	defer rows.Close()

	var out []campaign.Contact
	for rows.Next() {
		var (
			ct       campaign.Contact
			category string
		)
		if err := rows.Scan(&ct.ID, &ct.Name, &ct.Phone, &category, &ct.AdmissionNumber, &ct.StaffID, &ct.OptIn); err != nil {
			return nil, err
		}
		ct.Category = campaign.Category(category)
		out = append(out, ct)
	}
	return out, rows.Err()
}
