package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-dispatch/internal/campaign"
	"github.com/example/campaign-dispatch/internal/dispatch"
	"github.com/example/campaign-dispatch/internal/gateway"
	"github.com/example/campaign-dispatch/internal/store"
)

type fakeGateway struct {
	size int
	send func(ctx context.Context, batch []gateway.Message) ([]gateway.Result, error)

	mu    sync.Mutex
	calls [][]gateway.Message
}

func (f *fakeGateway) Name() string   { return "fake" }
func (f *fakeGateway) BatchSize() int { return f.size }

func (f *fakeGateway) Send(ctx context.Context, batch []gateway.Message) ([]gateway.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]gateway.Message(nil), batch...))
	f.mu.Unlock()
	return f.send(ctx, batch)
}

func (f *fakeGateway) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var phones []string
	for _, call := range f.calls {
		for _, m := range call {
			phones = append(phones, m.Phone)
		}
	}
	return phones
}

func acceptAll(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
	out := make([]gateway.Result, len(batch))
	for i, m := range batch {
		out[i] = gateway.Result{Phone: m.Phone, Accepted: true, MessageID: "id-" + m.RecipientID}
	}
	return out, nil
}

func newCampaign(t *testing.T, mem *store.Memory, template string, personalized bool, names ...string) campaign.Campaign {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	c := campaign.Campaign{
		ID:           "c1",
		Name:         "term opening",
		Template:     template,
		Personalized: personalized,
		Audience:     campaign.Audience{Type: campaign.AudienceAllStudents},
		Status:       campaign.StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := mem.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	rs := make([]campaign.Recipient, len(names))
	for i, name := range names {
		rs[i] = campaign.Recipient{
			ID:         fmt.Sprintf("r%d", i+1),
			CampaignID: c.ID,
			Phone:      fmt.Sprintf("+25471000000%d", i+1),
			Name:       name,
			Category:   campaign.CategoryStudent,
			Status:     campaign.RecipientPending,
			CreatedAt:  now,
		}
	}
	if err := mem.ReplaceRecipients(ctx, c.ID, rs); err != nil {
		t.Fatalf("replace recipients: %v", err)
	}
	c.Counters = campaign.Counters{Total: len(rs), Pending: len(rs)}
	if err := c.Start("gw1", now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mem.CompareAndSwapStatus(ctx, c, campaign.StatusDraft); err != nil {
		t.Fatalf("swap status: %v", err)
	}
	return c
}

func newDispatcher(mem dispatch.Store, cfg dispatch.Config) *dispatch.Dispatcher {
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return &dispatch.Dispatcher{Store: mem, Config: cfg, Logger: zerolog.Nop()}
}

func recipients(t *testing.T, mem *store.Memory, campaignID string) []campaign.Recipient {
	t.Helper()
	rs, err := mem.ListRecipients(context.Background(), campaignID, 0)
	if err != nil {
		t.Fatalf("list recipients: %v", err)
	}
	return rs
}

func TestDispatchLeavesNoRecipientPending(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "School opens Monday", false, "a", "b", "c", "d", "e", "f", "g")
	gw := &fakeGateway{size: 3, send: func(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		out := make([]gateway.Result, len(batch))
		for i, m := range batch {
			if strings.HasSuffix(m.Phone, "5") {
				out[i] = gateway.Result{Phone: m.Phone, Err: &gateway.Error{Kind: gateway.KindRejected, Message: "invalid number"}}
				continue
			}
			out[i] = gateway.Result{Phone: m.Phone, Accepted: true}
		}
		return out, nil
	}}

	summary, err := newDispatcher(mem, dispatch.Config{Concurrency: 2}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Pending != 7 || summary.Sent+summary.Failed != summary.Pending {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Sent != 6 || summary.Failed != 1 {
		t.Fatalf("expected 6 sent and 1 failed, got %+v", summary)
	}
	if summary.Batches != 3 {
		t.Fatalf("expected 3 batches, got %d", summary.Batches)
	}

	for _, r := range recipients(t, mem, c.ID) {
		if r.Status == campaign.RecipientPending {
			t.Fatalf("recipient %s left pending", r.ID)
		}
		if r.Message != "School opens Monday" {
			t.Fatalf("expected verbatim template, got %q", r.Message)
		}
	}

	stored, _ := mem.GetCampaign(context.Background(), c.ID)
	if stored.Counters.Sent != 6 || stored.Counters.Failed != 1 || stored.Counters.Pending != 0 {
		t.Fatalf("unexpected counters %+v", stored.Counters)
	}
}

func TestDispatchMapsPerRecipientResults(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "Hi {name}", true, "Asha", "Ben", "Chao")
	byRecipient := map[string]gateway.Result{
		"r1": {Accepted: true, MessageID: "m1", Cost: "KES 0.8000"},
		"r2": {Accepted: true, MessageID: "m2", Cost: "KES 0.8000"},
		"r3": {Err: &gateway.Error{Kind: gateway.KindRejected, Message: "recipient status Failed"}},
	}
	gw := &fakeGateway{size: 10, send: func(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		out := make([]gateway.Result, len(batch))
		for i, m := range batch {
			out[i] = byRecipient[m.RecipientID]
			out[i].Phone = m.Phone
		}
		return out, nil
	}}

	summary, err := newDispatcher(mem, dispatch.Config{}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 2 || summary.Failed != 1 {
		t.Fatalf("expected 2 sent and 1 failed, got %+v", summary)
	}

	rs := recipients(t, mem, c.ID)
	if rs[0].Status != campaign.RecipientSent || rs[0].SentAt == nil || rs[0].GatewayMessageID != "m1" || rs[0].Cost != "KES 0.8000" {
		t.Fatalf("unexpected first recipient %+v", rs[0])
	}
	if rs[0].Message != "Hi Asha" {
		t.Fatalf("expected personalized message, got %q", rs[0].Message)
	}
	if rs[2].Status != campaign.RecipientFailed || rs[2].LastError == "" {
		t.Fatalf("unexpected failed recipient %+v", rs[2])
	}

	stored, _ := mem.GetCampaign(context.Background(), c.ID)
	if stored.Counters.Sent != 2 || stored.Counters.Failed != 1 {
		t.Fatalf("unexpected counters %+v", stored.Counters)
	}
}

func TestDispatchBatchTransportFailureFailsWholeBatch(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b", "c", "d")
	gw := &fakeGateway{size: 2, send: func(ctx context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		if batch[0].RecipientID == "r1" {
			return nil, &gateway.Error{Kind: gateway.KindTransport, Message: "connection reset"}
		}
		return acceptAll(ctx, batch)
	}}

	summary, err := newDispatcher(mem, dispatch.Config{MaxRetries: 0}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 2 || summary.Failed != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	for _, r := range recipients(t, mem, c.ID) {
		switch r.ID {
		case "r1", "r2":
			if r.Status != campaign.RecipientFailed || !strings.Contains(r.LastError, "transport") {
				t.Fatalf("expected transport failure for %s, got %+v", r.ID, r)
			}
		default:
			if r.Status != campaign.RecipientSent {
				t.Fatalf("expected %s sent, got %s", r.ID, r.Status)
			}
		}
	}
}

func TestDispatchRequeuesRetryableFailures(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b", "c")

	var mu sync.Mutex
	attempts := map[string]int{}
	gw := &fakeGateway{size: 1, send: func(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		m := batch[0]
		attempts[m.RecipientID]++
		if attempts[m.RecipientID] == 1 {
			return []gateway.Result{{Phone: m.Phone, Err: &gateway.Error{Kind: gateway.KindThrottled, StatusCode: 429}}}, nil
		}
		return []gateway.Result{{Phone: m.Phone, Accepted: true}}, nil
	}}

	summary, err := newDispatcher(mem, dispatch.Config{MaxRetries: 3}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 3 || summary.Failed != 0 || summary.Retried != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, r := range recipients(t, mem, c.ID) {
		if r.Status != campaign.RecipientSent || r.RetryCount != 1 {
			t.Fatalf("expected sent after one retry, got %+v", r)
		}
	}

	stored, _ := mem.GetCampaign(context.Background(), c.ID)
	if stored.Counters.Sent != 3 || stored.Counters.Failed != 0 {
		t.Fatalf("retries must not be double counted: %+v", stored.Counters)
	}
}

func TestDispatchStopsAtRetryCeiling(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a")
	gw := &fakeGateway{size: 1, send: func(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		return nil, &gateway.Error{Kind: gateway.KindTransport, Message: "timeout"}
	}}

	summary, err := newDispatcher(mem, dispatch.Config{MaxRetries: 2}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 || summary.Sent != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := len(gw.sentTo()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	r := recipients(t, mem, c.ID)[0]
	if r.Status != campaign.RecipientFailed || r.RetryCount != 2 {
		t.Fatalf("unexpected recipient %+v", r)
	}
}

func TestDispatchDoesNotRetryTerminalKinds(t *testing.T) {
	tests := []struct {
		name string
		kind gateway.Kind
	}{
		{name: "unauthorized", kind: gateway.KindUnauthorized},
		{name: "rejected", kind: gateway.KindRejected},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			c := newCampaign(t, mem, "hello", false, "a", "b")
			gw := &fakeGateway{size: 5, send: func(_ context.Context, batch []gateway.Message) ([]gateway.Result, error) {
				return nil, &gateway.Error{Kind: tc.kind}
			}}

			summary, err := newDispatcher(mem, dispatch.Config{MaxRetries: 3}).Dispatch(context.Background(), &c, gw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if summary.Failed != 2 || summary.Retried != 0 {
				t.Fatalf("unexpected summary %+v", summary)
			}
			if len(gw.calls) != 1 {
				t.Fatalf("expected a single gateway call, got %d", len(gw.calls))
			}
		})
	}
}

func TestDispatchResumesOnlyPending(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b", "c")
	sentAt := time.Now().UTC()
	_, _, err := mem.ApplyOutcomes(context.Background(), c.ID, []campaign.Outcome{
		{RecipientID: "r1", Status: campaign.RecipientSent, SentAt: &sentAt},
		{RecipientID: "r2", Status: campaign.RecipientFailed, LastError: "rejected"},
	})
	if err != nil {
		t.Fatalf("apply outcomes: %v", err)
	}

	gw := &fakeGateway{size: 10, send: acceptAll}
	summary, err := newDispatcher(mem, dispatch.Config{}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Pending != 1 || summary.Sent != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if phones := gw.sentTo(); len(phones) != 1 || phones[0] != "+254710000003" {
		t.Fatalf("expected only the pending recipient to be sent, got %v", phones)
	}

	stored, _ := mem.GetCampaign(context.Background(), c.ID)
	if stored.Counters.Sent != 2 || stored.Counters.Failed != 1 {
		t.Fatalf("counters must accumulate across runs: %+v", stored.Counters)
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b", "c", "d", "e", "f", "g", "h")

	var inFlight, peak int32
	gw := &fakeGateway{size: 1, send: func(ctx context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return acceptAll(ctx, batch)
	}}

	summary, err := newDispatcher(mem, dispatch.Config{Concurrency: 2}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 8 {
		t.Fatalf("expected 8 sent, got %+v", summary)
	}
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak)
	}
}

func TestDispatchInterruptedLeavesRecipientsPending(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &fakeGateway{size: 1, send: func(callCtx context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		cancel()
		<-callCtx.Done()
		return nil, &gateway.Error{Kind: gateway.KindTransport, Err: callCtx.Err()}
	}}

	_, err := newDispatcher(mem, dispatch.Config{Concurrency: 1}).Dispatch(ctx, &c, gw)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, r := range recipients(t, mem, c.ID) {
		if r.Status != campaign.RecipientPending {
			t.Fatalf("interrupted recipient %s must stay pending, got %s", r.ID, r.Status)
		}
	}
}

type failingStore struct {
	*store.Memory
}

func (f failingStore) ApplyOutcomes(context.Context, string, []campaign.Outcome) (int, int, error) {
	return 0, 0, errors.New("connection refused")
}

func TestDispatchPersistFailureIsSystemic(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b")
	gw := &fakeGateway{size: 1, send: acceptAll}

	_, err := newDispatcher(failingStore{mem}, dispatch.Config{}).Dispatch(context.Background(), &c, gw)
	if !errors.Is(err, dispatch.ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
}

func TestDispatchTimesOutSlowCalls(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a")
	gw := &fakeGateway{size: 1, send: func(callCtx context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		<-callCtx.Done()
		return nil, &gateway.Error{Kind: gateway.KindTransport, Message: "timeout", Err: callCtx.Err()}
	}}

	summary, err := newDispatcher(mem, dispatch.Config{GatewayTimeout: 10 * time.Millisecond}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected timed out recipient to fail, got %+v", summary)
	}
	if r := recipients(t, mem, c.ID)[0]; !strings.Contains(r.LastError, "timeout") {
		t.Fatalf("expected timeout error, got %q", r.LastError)
	}
}

func TestDispatchTimeoutAppliesPerGatewayCall(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "Hi {name}", true, "Asha", "Ben", "Chao", "Dede", "Eli", "Fay")

	var mu sync.Mutex
	var requests [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		phones := strings.Split(r.PostForm.Get("to"), ",")
		mu.Lock()
		requests = append(requests, phones)
		mu.Unlock()

		var recipients []string
		for i, p := range phones {
			recipients = append(recipients, fmt.Sprintf(`{"statusCode":101,"number":%q,"status":"Success","cost":"KES 0.8000","messageId":"ATXid_%d"}`, p, i))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"SMSMessageData":{"Message":"Sent","Recipients":[%s]}}`, strings.Join(recipients, ","))
	}))
	defer srv.Close()

	gw := &gateway.BulkProvider{Username: "school", APIKey: "k", Endpoint: srv.URL}
	d := newDispatcher(mem, dispatch.Config{Concurrency: 1, GatewayTimeout: 100 * time.Millisecond, MaxRetries: 0})
	summary, err := d.Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 6 || summary.Failed != 0 {
		t.Fatalf("expected all 6 sent, got %+v", summary)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 6 {
		t.Fatalf("expected one request per distinct text, got %d", len(requests))
	}
	for _, phones := range requests {
		if len(phones) != 1 {
			t.Fatalf("personalized texts must not share a request: %v", phones)
		}
	}
	for _, r := range recipients(t, mem, c.ID) {
		if r.Status != campaign.RecipientSent || !strings.HasPrefix(r.GatewayMessageID, "ATXid_") {
			t.Fatalf("unexpected recipient %+v", r)
		}
	}
}

func TestDispatchGroupsSharedTextIntoOneCall(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "Hi {name}", true, "Asha", "Ben", "Asha", "Ben", "Chao")
	gw := &fakeGateway{size: 10, send: acceptAll}

	summary, err := newDispatcher(mem, dispatch.Config{}).Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 5 || summary.Batches != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, call := range gw.calls {
		for _, m := range call {
			if m.Text != call[0].Text {
				t.Fatalf("call mixes texts: %+v", call)
			}
		}
	}
}

type fakeLimiter struct {
	mu       sync.Mutex
	fail     int
	acquired int
	released int
	keys     []string
}

func (l *fakeLimiter) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail > 0 {
		l.fail--
		return nil, errors.New("redis: connection refused")
	}
	l.acquired++
	l.keys = append(l.keys, key)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.released++
			l.mu.Unlock()
		})
	}, nil
}

func TestDispatchPairsLimiterAcquireWithRelease(t *testing.T) {
	mem := store.NewMemory()
	c := newCampaign(t, mem, "hello", false, "a", "b", "c", "d", "e")
	gw := &fakeGateway{size: 1, send: func(ctx context.Context, batch []gateway.Message) ([]gateway.Result, error) {
		if batch[0].RecipientID == "r3" {
			return nil, &gateway.Error{Kind: gateway.KindRejected, Message: "invalid number"}
		}
		return acceptAll(ctx, batch)
	}}
	limiter := &fakeLimiter{}
	d := newDispatcher(mem, dispatch.Config{Concurrency: 3})
	d.Limiter = limiter

	summary, err := d.Dispatch(context.Background(), &c, gw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sent != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if limiter.acquired != 5 || limiter.released != 5 {
		t.Fatalf("expected 5 acquires paired with 5 releases, got %d/%d", limiter.acquired, limiter.released)
	}
	for _, key := range limiter.keys {
		if key != "gw1" {
			t.Fatalf("expected slots keyed by gateway id, got %q", key)
		}
	}
}

func TestDispatchLimiterFailureIsRetryableTransport(t *testing.T) {
	t.Run("requeued below ceiling", func(t *testing.T) {
		mem := store.NewMemory()
		c := newCampaign(t, mem, "hello", false, "a")
		gw := &fakeGateway{size: 1, send: acceptAll}
		limiter := &fakeLimiter{fail: 1}
		d := newDispatcher(mem, dispatch.Config{MaxRetries: 1})
		d.Limiter = limiter

		summary, err := d.Dispatch(context.Background(), &c, gw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Sent != 1 || summary.Retried != 1 {
			t.Fatalf("unexpected summary %+v", summary)
		}
		if len(gw.calls) != 1 {
			t.Fatalf("gateway must not be called without a slot, got %d calls", len(gw.calls))
		}
		if r := recipients(t, mem, c.ID)[0]; r.Status != campaign.RecipientSent || r.RetryCount != 1 {
			t.Fatalf("expected sent after one retry, got %+v", r)
		}
		if limiter.acquired != limiter.released {
			t.Fatalf("unpaired slots: %d acquired, %d released", limiter.acquired, limiter.released)
		}
	})

	t.Run("failed at ceiling", func(t *testing.T) {
		mem := store.NewMemory()
		c := newCampaign(t, mem, "hello", false, "a", "b")
		gw := &fakeGateway{size: 2, send: acceptAll}
		d := newDispatcher(mem, dispatch.Config{MaxRetries: 0})
		d.Limiter = &fakeLimiter{fail: 1}

		summary, err := d.Dispatch(context.Background(), &c, gw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Failed != 2 || len(gw.calls) != 0 {
			t.Fatalf("unexpected summary %+v with %d calls", summary, len(gw.calls))
		}
		for _, r := range recipients(t, mem, c.ID) {
			if r.Status != campaign.RecipientFailed || !strings.Contains(r.LastError, "transport") || !strings.Contains(r.LastError, "acquire concurrency slot") {
				t.Fatalf("unexpected recipient %+v", r)
			}
		}
	})
}
