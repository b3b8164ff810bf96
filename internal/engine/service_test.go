package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/dispatch"
	"github.com/example/campaign-dispatch/internal/engine"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/personalize"
	"github.com/example/campaign-dispatch/internal/phone"
	"github.com/example/campaign-dispatch/internal/roster"
	"github.com/example/campaign-dispatch/internal/store"
	"github.com/example/campaign-dispatch/internal/suppression"
)

type stubGateway struct {
	mu     sync.Mutex
	calls  int
	sends  map[string]int
	delay  time.Duration
	reject map[string]bool
}

func (g *stubGateway) Name() string   { return "stub" }
func (g *stubGateway) BatchSize() int { return 2 }

func (g *stubGateway) Send(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
	g.mu.Lock()
	g.calls++
	for _, m := range batch {
		g.sends[m.Phone]++
	}
	g.mu.Unlock()
	time.Sleep(g.delay)
	out := make([]gateway.Result, len(batch))
	for i, m := range batch {
		if g.reject[m.Phone] {
			out[i] = gateway.Result{Phone: m.Phone, Err: &gateway.Error{Kind: gateway.KindRejected}}
			continue
		}
		out[i] = gateway.Result{Phone: m.Phone, Accepted: true}
	}
	return out, nil
}

type fixture struct {
	mem *store.Memory
	gw  *stubGateway
	svc *engine.Service
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	now := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gw := &stubGateway{sends: map[string]int{}, reject: map[string]bool{}}

	mem.AddContacts(
		store.ContactRecord{Contact: campaign.Contact{ID: "1", Name: "Asha", Phone: "0712345678", Category: campaign.CategoryStudent, OptIn: true}},
		store.ContactRecord{Contact: campaign.Contact{ID: "2", Name: "Ben", Phone: "0722000001", Category: campaign.CategoryStudent, OptIn: true}},
		store.ContactRecord{Contact: campaign.Contact{ID: "3", Name: "Chao", Phone: "0733000002", Category: campaign.CategoryStudent, OptIn: true}},
	)

	svc := &engine.Service{
		Campaigns:  mem,
		Recipients: mem,
		Gateways:   mem,
		Roster: &roster.Builder{
			Contacts:     mem,
			Suppressions: suppression.NewRegistry(mem, phone.Default),
			Recipients:   mem,
			Normalizer:   phone.Default,
			Logger:       zerolog.Nop(),
			Now:          clock,
		},
		Dispatcher: &dispatch.Dispatcher{
			Store:  mem,
			Config: dispatch.Config{Concurrency: 2, RetryBackoff: time.Millisecond},
			Logger: zerolog.Nop(),
			Now:    clock,
		},
		NewGateway: func(gateway.Config) (gateway.Gateway, error) { return gw, nil },
		Leases:     mem,
		Logger:     zerolog.Nop(),
		Now:        clock,
	}
	return &fixture{mem: mem, gw: gw, svc: svc, now: now}
}

func (f *fixture) addGateway(t *testing.T, id string, active, isDefault bool) {
	t.Helper()
	err := f.mem.CreateGateway(context.Background(), gateway.Config{
		ID:        id,
		Name:      id,
		Provider:  gateway.ProviderBulk,
		APIKey:    "key",
		Username:  "school",
		Active:    active,
		IsDefault: isDefault,
		CreatedAt: f.now,
	})
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
}

func (f *fixture) draft(t *testing.T, template string) campaign.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), engine.CreateRequest{
		Name:         "Term opening",
		Template:     template,
		Personalized: true,
		Audience:     campaign.Audience{Type: campaign.AudienceAllStudents},
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func TestSendCompletesCampaign(t *testing.T) {
	f := newFixture(t)
	f.addGateway(t, "gw1", true, true)
	f.gw.reject["+254733000002"] = true
	ctx := context.Background()

	c := f.draft(t, "Hi {name}")
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	res, err := f.svc.Send(ctx, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != campaign.StatusCompleted || res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	stored, _ := f.svc.Get(ctx, c.ID)
	if stored.Status != campaign.StatusCompleted || stored.GatewayID != "gw1" || stored.FinishedAt == nil {
		t.Fatalf("unexpected campaign %+v", stored)
	}
	if stored.Counters != (campaign.Counters{Total: 3, Sent: 2, Failed: 1}) {
		t.Fatalf("unexpected counters %+v", stored.Counters)
	}

	stats, err := f.svc.Stats(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByStatus[campaign.RecipientSent] != 2 || stats.ByStatus[campaign.RecipientFailed] != 1 {
		t.Fatalf("unexpected stats %+v", stats.ByStatus)
	}
}

func TestSendRejectedWhileInProgress(t *testing.T) {
	f := newFixture(t)
	f.addGateway(t, "gw1", true, true)
	ctx := context.Background()

	c := f.draft(t, "hello")
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.svc.BeginSend(ctx, c.ID); err != nil {
		t.Fatalf("begin send: %v", err)
	}
	if _, err := f.svc.BeginSend(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.PrepareRoster(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected roster preparation to be refused, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected cancel to be refused, got %v", err)
	}
	if err := f.svc.Delete(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected delete to be refused, got %v", err)
	}

	if _, err := f.svc.RunDispatch(ctx, c.ID); err != nil {
		t.Fatalf("run dispatch: %v", err)
	}
	if _, err := f.svc.Send(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected completed campaign to reject send, got %v", err)
	}
	if f.gw.calls != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", f.gw.calls)
	}
}

func TestBeginSendPreflight(t *testing.T) {
	ctx := context.Background()

	t.Run("empty roster", func(t *testing.T) {
		f := newFixture(t)
		f.addGateway(t, "gw1", true, true)
		c := f.draft(t, "hello")
		if _, err := f.svc.BeginSend(ctx, c.ID); !errors.Is(err, campaign.ErrEmptyRoster) {
			t.Fatalf("expected ErrEmptyRoster, got %v", err)
		}
	})

	t.Run("no gateway", func(t *testing.T) {
		f := newFixture(t)
		c := f.draft(t, "hello")
		if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		if _, err := f.svc.BeginSend(ctx, c.ID); !errors.Is(err, campaign.ErrNoGatewayConfigured) {
			t.Fatalf("expected ErrNoGatewayConfigured, got %v", err)
		}
		stored, _ := f.svc.Get(ctx, c.ID)
		if stored.Status != campaign.StatusDraft {
			t.Fatalf("failed pre-flight must leave the campaign unchanged, got %s", stored.Status)
		}
		if f.gw.calls != 0 {
			t.Fatalf("pre-flight must not reach the gateway")
		}
	})

	t.Run("inactive gateway", func(t *testing.T) {
		f := newFixture(t)
		f.addGateway(t, "gw1", false, true)
		c := f.draft(t, "hello")
		if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		if _, err := f.svc.BeginSend(ctx, c.ID); !errors.Is(err, campaign.ErrNoGatewayConfigured) {
			t.Fatalf("expected ErrNoGatewayConfigured, got %v", err)
		}
	})

	t.Run("campaign gateway wins over default", func(t *testing.T) {
		f := newFixture(t)
		f.addGateway(t, "default", true, true)
		f.addGateway(t, "chosen", true, false)
		c, err := f.svc.Create(ctx, engine.CreateRequest{
			Name:      "chosen",
			Template:  "hello",
			Audience:  campaign.Audience{Type: campaign.AudienceAllStudents},
			GatewayID: "chosen",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		started, err := f.svc.BeginSend(ctx, c.ID)
		if err != nil {
			t.Fatalf("begin send: %v", err)
		}
		if started.GatewayID != "chosen" {
			t.Fatalf("expected chosen gateway, got %s", started.GatewayID)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, engine.CreateRequest{
		Name:         "bad token",
		Template:     "Hi {first_name}",
		Personalized: true,
		Audience:     campaign.Audience{Type: campaign.AudienceAllStudents},
	})
	if !errors.Is(err, personalize.ErrUnknownToken) || !errors.Is(err, engine.ErrInvalidCampaign) {
		t.Fatalf("expected unknown token error, got %v", err)
	}

	_, err = f.svc.Create(ctx, engine.CreateRequest{Name: "x", Template: "hi", Audience: campaign.Audience{Type: "parents"}})
	if !errors.Is(err, campaign.ErrUnknownAudience) {
		t.Fatalf("expected ErrUnknownAudience, got %v", err)
	}

	_, err = f.svc.Create(ctx, engine.CreateRequest{Name: "x", Template: "hi", Audience: campaign.Audience{Type: campaign.AudienceAllStaff}, GatewayID: "missing"})
	if !errors.Is(err, gateway.ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestScheduleAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.draft(t, "hello")

	if _, err := f.svc.Schedule(ctx, c.ID, f.now.Add(time.Hour)); !errors.Is(err, campaign.ErrEmptyRoster) {
		t.Fatalf("expected ErrEmptyRoster, got %v", err)
	}
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.svc.Schedule(ctx, c.ID, f.now.Add(-time.Minute)); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected past schedule to be refused, got %v", err)
	}

	scheduled, err := f.svc.Schedule(ctx, c.ID, f.now.Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if scheduled.Status != campaign.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", scheduled.Status)
	}

	cancelled, err := f.svc.Cancel(ctx, c.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != campaign.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := f.svc.Cancel(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected second cancel to fail, got %v", err)
	}
}

func TestRunDispatchFailsOnSystemicError(t *testing.T) {
	f := newFixture(t)
	f.addGateway(t, "gw1", true, true)
	ctx := context.Background()

	builds := 0
	f.svc.NewGateway = func(gateway.Config) (gateway.Gateway, error) {
		builds++
		if builds > 1 {
			return nil, errors.New("credentials revoked")
		}
		return f.gw, nil
	}

	c := f.draft(t, "hello")
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	res, err := f.svc.Send(ctx, c.ID)
	if !errors.Is(err, engine.ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if res.Status != campaign.StatusFailed {
		t.Fatalf("expected failed status, got %s", res.Status)
	}
	stored, _ := f.svc.Get(ctx, c.ID)
	if stored.Status != campaign.StatusFailed || stored.LastError == "" {
		t.Fatalf("unexpected campaign %+v", stored)
	}
}

func TestConcurrentRunDispatchSendsOnce(t *testing.T) {
	f := newFixture(t)
	f.addGateway(t, "gw1", true, true)
	f.gw.delay = 50 * time.Millisecond
	ctx := context.Background()

	c := f.draft(t, "Hi {name}")
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.svc.BeginSend(ctx, c.ID); err != nil {
		t.Fatalf("begin send: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RunDispatch(ctx, c.ID)
		}(i)
	}
	wg.Wait()

	var completed, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, campaign.ErrDispatchInProgress), errors.Is(err, campaign.ErrInvalidTransition):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if completed != 1 || refused != 1 {
		t.Fatalf("expected one run to complete and one to be refused, got %v", errs)
	}

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	if len(f.gw.sends) != 3 {
		t.Fatalf("expected 3 phones contacted, got %v", f.gw.sends)
	}
	for phone, n := range f.gw.sends {
		if n != 1 {
			t.Fatalf("%s contacted %d times", phone, n)
		}
	}

	stored, _ := f.svc.Get(ctx, c.ID)
	if stored.Status != campaign.StatusCompleted || stored.Counters.Sent != 3 || stored.Counters.Pending != 0 {
		t.Fatalf("unexpected campaign %+v", stored)
	}
}

func TestRunDispatchRefusedWhileLeaseHeld(t *testing.T) {
	f := newFixture(t)
	f.addGateway(t, "gw1", true, true)
	ctx := context.Background()

	c := f.draft(t, "hello")
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.svc.BeginSend(ctx, c.ID); err != nil {
		t.Fatalf("begin send: %v", err)
	}
	if ok, err := f.mem.AcquireDispatchLease(ctx, c.ID, "other-process", time.Minute); err != nil || !ok {
		t.Fatalf("seed lease: %v %v", ok, err)
	}

	if _, err := f.svc.RunDispatch(ctx, c.ID); !errors.Is(err, campaign.ErrDispatchInProgress) {
		t.Fatalf("expected ErrDispatchInProgress, got %v", err)
	}
	if f.gw.calls != 0 {
		t.Fatalf("a refused run must not send, got %d calls", f.gw.calls)
	}
	stored, _ := f.svc.Get(ctx, c.ID)
	if stored.Status != campaign.StatusInProgress {
		t.Fatalf("refused run must leave the campaign in progress, got %s", stored.Status)
	}

	if err := f.mem.ReleaseDispatchLease(ctx, c.ID, "other-process"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.svc.RunDispatch(ctx, c.ID); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if _, err := f.svc.RunDispatch(ctx, "missing"); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown campaign, got %v", err)
	}
}

func TestRunDispatchSkipsCampaignsNotInProgress(t *testing.T) {
	f := newFixture(t)
	c := f.draft(t, "hello")
	if _, err := f.svc.RunDispatch(context.Background(), c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPreviewAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.draft(t, "Hi {name}")

	if _, err := f.svc.Preview(ctx, c.ID, ""); !errors.Is(err, campaign.ErrEmptyRoster) {
		t.Fatalf("expected ErrEmptyRoster, got %v", err)
	}
	if _, err := f.svc.PrepareRoster(ctx, c.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	p, err := f.svc.Preview(ctx, c.ID, "")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.Message != "Hi Asha" {
		t.Fatalf("expected %q, got %q", "Hi Asha", p.Message)
	}

	if err := f.svc.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, c.ID); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if rs, _ := f.mem.ListRecipients(ctx, c.ID, 0); len(rs) != 0 {
		t.Fatalf("expected recipients to be deleted, got %d", len(rs))
	}
}
