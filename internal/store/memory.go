package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/suppression"
)

// ContactRecord is a contact together with the organizational units it
// belongs to.
type ContactRecord struct {
	campaign.Contact
	Department string
	Clubs      []string
}

// Memory implements every store contract in-process. It is safe for
// concurrent use and is meant for tests and local runs.
type Memory struct {
	mu           sync.Mutex
	campaigns    map[string]campaign.Campaign
	recipients   map[string][]campaign.Recipient
	suppressions map[string]suppression.Entry
	gateways     map[string]gateway.Config
	contacts     []ContactRecord
	leases       map[string]lease
}

type lease struct {
	owner string
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:    map[string]campaign.Campaign{},
		recipients:   map[string][]campaign.Recipient{},
		suppressions: map[string]suppression.Entry{},
		gateways:     map[string]gateway.Config{},
		leases:       map[string]lease{},
	}
}

func (m *Memory) AddContacts(records ...ContactRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = append(m.contacts, records...)
}

func (m *Memory) Candidates(_ context.Context, a campaign.Audience) ([]campaign.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := map[string]bool{}
	for _, id := range a.ContactIDs {
		ids[id] = true
	}

	var out []campaign.Contact
	for _, rec := range m.contacts {
		var match bool
		switch a.Type {
		case campaign.AudienceAllStudents:
			match = rec.Category == campaign.CategoryStudent
		case campaign.AudienceAllStaff:
			match = rec.Category == campaign.CategoryStaff
		case campaign.AudienceDepartment:
			match = rec.Department == a.Selector
		case campaign.AudienceClub:
			for _, club := range rec.Clubs {
				if club == a.Selector {
					match = true
					break
				}
			}
		case campaign.AudienceCustom:
			match = ids[rec.ID]
		default:
			return nil, campaign.ErrUnknownAudience
		}
		if match {
			out = append(out, rec.Contact)
		}
	}
	return out, nil
}

func (m *Memory) CreateCampaign(_ context.Context, c campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	m.campaigns[c.ID] = c
	return nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c, nil
}

func (m *Memory) CompareAndSwapStatus(_ context.Context, c campaign.Campaign, from campaign.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return campaign.ErrNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: campaign is %s, expected %s", campaign.ErrInvalidTransition, cur.Status, from)
	}
	cur.Status = c.Status
	cur.GatewayID = c.GatewayID
	cur.SendImmediately = c.SendImmediately
	cur.ScheduledAt = c.ScheduledAt
	cur.LastError = c.LastError
	cur.StartedAt = c.StartedAt
	cur.FinishedAt = c.FinishedAt
	cur.UpdatedAt = c.UpdatedAt
	m.campaigns[c.ID] = cur
	return nil
}

func (m *Memory) DeleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[id]; !ok {
		return campaign.ErrNotFound
	}
	delete(m.campaigns, id)
	delete(m.recipients, id)
	delete(m.leases, id)
	return nil
}

func (m *Memory) DueCampaigns(_ context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []campaign.Campaign
	for _, c := range m.campaigns {
		if c.Status == campaign.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ReplaceRecipients(_ context.Context, campaignID string, rs []campaign.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != campaign.StatusDraft {
		return fmt.Errorf("%w: campaign is %s", campaign.ErrInvalidTransition, c.Status)
	}
	seen := make(map[string]bool, len(rs))
	for _, r := range rs {
		if seen[r.Phone] {
			return fmt.Errorf("duplicate recipient phone %s", r.Phone)
		}
		seen[r.Phone] = true
	}
	m.recipients[campaignID] = append([]campaign.Recipient(nil), rs...)
	c.Counters = campaign.Counters{Total: len(rs), Pending: len(rs)}
	m.campaigns[campaignID] = c
	return nil
}

func (m *Memory) PendingRecipients(_ context.Context, campaignID string) ([]campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []campaign.Recipient
	for _, r := range m.recipients[campaignID] {
		if r.Status == campaign.RecipientPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListRecipients(_ context.Context, campaignID string, limit int) ([]campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.recipients[campaignID]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return append([]campaign.Recipient(nil), rs...), nil
}

func (m *Memory) GetRecipient(_ context.Context, campaignID, recipientID string) (campaign.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recipients[campaignID] {
		if r.ID == recipientID {
			return r, nil
		}
	}
	return campaign.Recipient{}, campaign.ErrRecipientNotFound
}

// ApplyOutcomes records outcomes for recipients that are still pending and
// returns how many of them became sent or failed. Outcomes for recipients
// already settled by another run are skipped.
func (m *Memory) ApplyOutcomes(_ context.Context, campaignID string, outcomes []campaign.Outcome) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return 0, 0, campaign.ErrNotFound
	}
	rs := m.recipients[campaignID]
	index := make(map[string]int, len(rs))
	for i, r := range rs {
		index[r.ID] = i
	}
	var sent, failed int
	for _, o := range outcomes {
		i, ok := index[o.RecipientID]
		if !ok || rs[i].Status != campaign.RecipientPending {
			continue
		}
		r := &rs[i]
		r.Status = o.Status
		r.Message = o.Message
		r.SentAt = o.SentAt
		r.LastError = o.LastError
		r.RetryCount = o.RetryCount
		r.GatewayMessageID = o.GatewayMessageID
		r.Cost = o.Cost
		switch o.Status {
		case campaign.RecipientSent:
			sent++
		case campaign.RecipientFailed:
			failed++
		}
	}
	c.Counters.Sent += sent
	c.Counters.Failed += failed
	c.Counters.Pending -= sent + failed
	m.campaigns[campaignID] = c
	return sent, failed, nil
}

// AcquireDispatchLease grants owner the campaign's dispatch lease until ttl
// from now. The current owner may call it again to extend the lease.
func (m *Memory) AcquireDispatchLease(_ context.Context, campaignID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return false, nil
	}
	now := time.Now()
	if l, ok := m.leases[campaignID]; ok && l.owner != owner && now.Before(l.until) {
		return false, nil
	}
	m.leases[campaignID] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseDispatchLease(_ context.Context, campaignID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[campaignID]; ok && l.owner == owner {
		delete(m.leases, campaignID)
	}
	return nil
}

func (m *Memory) RecipientStatusCounts(_ context.Context, campaignID string) (map[campaign.RecipientStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[campaign.RecipientStatus]int{}
	for _, r := range m.recipients[campaignID] {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *Memory) SetCounters(_ context.Context, campaignID string, counters campaign.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Counters = counters
	m.campaigns[campaignID] = c
	return nil
}

func (m *Memory) InsertSuppression(_ context.Context, e suppression.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suppressions[e.Phone]; ok {
		return suppression.ErrAlreadySuppressed
	}
	m.suppressions[e.Phone] = e
	return nil
}

func (m *Memory) DeleteSuppression(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suppressions[phone]; !ok {
		return suppression.ErrNotFound
	}
	delete(m.suppressions, phone)
	return nil
}

func (m *Memory) GetSuppression(_ context.Context, phone string) (suppression.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.suppressions[phone]
	if !ok {
		return suppression.Entry{}, suppression.ErrNotFound
	}
	return e, nil
}

func (m *Memory) SuppressedPhones(_ context.Context, phones []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, p := range phones {
		if _, ok := m.suppressions[p]; ok {
			out[p] = true
		}
	}
	return out, nil
}

func (m *Memory) CreateGateway(_ context.Context, cfg gateway.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.IsDefault {
		m.clearDefaultLocked()
	}
	m.gateways[cfg.ID] = cfg
	return nil
}

func (m *Memory) GetGateway(_ context.Context, id string) (gateway.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.gateways[id]
	if !ok {
		return gateway.Config{}, gateway.ErrConfigNotFound
	}
	return cfg, nil
}

func (m *Memory) DefaultGateway(_ context.Context) (gateway.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.gateways {
		if cfg.IsDefault {
			return cfg, nil
		}
	}
	return gateway.Config{}, gateway.ErrConfigNotFound
}

func (m *Memory) SetDefaultGateway(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.gateways[id]
	if !ok {
		return gateway.ErrConfigNotFound
	}
	m.clearDefaultLocked()
	cfg.IsDefault = true
	m.gateways[id] = cfg
	return nil
}

func (m *Memory) ListGateways(_ context.Context) ([]gateway.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gateway.Config, 0, len(m.gateways))
	for _, cfg := range m.gateways {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) clearDefaultLocked() {
	for id, cfg := range m.gateways {
		if cfg.IsDefault {
			cfg.IsDefault = false
			m.gateways[id] = cfg
		}
	}
}
