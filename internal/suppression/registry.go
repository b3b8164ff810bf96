package suppression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/campaign-dispatch/internal/phone"
)

var (
	ErrAlreadySuppressed = errors.New("phone is already suppressed")
	ErrNotFound          = errors.New("phone is not suppressed")
	ErrUnknownReason     = errors.New("unknown suppression reason")
)

type Reason string

const (
	ReasonUserRequest Reason = "user_request"
	ReasonBounced     Reason = "bounced"
	ReasonComplaint   Reason = "complaint"
	ReasonAdmin       Reason = "admin"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonUserRequest, ReasonBounced, ReasonComplaint, ReasonAdmin:
		return true
	}
	return false
}

type Entry struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Reason    Reason    `json:"reason"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists entries keyed by canonical phone. Insert returns
// ErrAlreadySuppressed on a duplicate phone; Delete and Get return ErrNotFound.
type Store interface {
	InsertSuppression(ctx context.Context, e Entry) error
	DeleteSuppression(ctx context.Context, phone string) error
	GetSuppression(ctx context.Context, phone string) (Entry, error)
	SuppressedPhones(ctx context.Context, phones []string) (map[string]bool, error)
}

// Registry is the global do-not-contact list. Every phone argument is
// normalized before it reaches the store.
type Registry struct {
	store      Store
	normalizer phone.Normalizer
	now        func() time.Time
}

func NewRegistry(store Store, normalizer phone.Normalizer) *Registry {
	return &Registry{
		store:      store,
		normalizer: normalizer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Add(ctx context.Context, raw string, reason Reason, note string) (Entry, error) {
	if reason == "" {
		reason = ReasonUserRequest
	}
	if !reason.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
	p, err := r.normalizer.Normalize(raw)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:        uuid.NewString(),
		Phone:     p,
		Reason:    reason,
		Note:      note,
		CreatedAt: r.now(),
	}
	if err := r.store.InsertSuppression(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (r *Registry) Remove(ctx context.Context, raw string) error {
	p, err := r.normalizer.Normalize(raw)
	if err != nil {
		return err
	}
	return r.store.DeleteSuppression(ctx, p)
}

func (r *Registry) Get(ctx context.Context, raw string) (Entry, error) {
	p, err := r.normalizer.Normalize(raw)
	if err != nil {
		return Entry{}, err
	}
	return r.store.GetSuppression(ctx, p)
}

func (r *Registry) IsSuppressed(ctx context.Context, raw string) (bool, error) {
	p, err := r.normalizer.Normalize(raw)
	if err != nil {
		return false, err
	}
	hits, err := r.store.SuppressedPhones(ctx, []string{p})
	if err != nil {
		return false, err
	}
	return hits[p], nil
}

// SuppressedAmong answers IsSuppressed for many canonical phones in one lookup.
func (r *Registry) SuppressedAmong(ctx context.Context, phones []string) (map[string]bool, error) {
	if len(phones) == 0 {
		return map[string]bool{}, nil
	}
	return r.store.SuppressedPhones(ctx, phones)
}
