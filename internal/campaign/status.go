package campaign

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusDraft:      {StatusScheduled, StatusInProgress, StatusCancelled},
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

func (s Status) CanTransition(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func invalid(from Status, op string) error {
	return fmt.Errorf("%w: cannot %s a %s campaign", ErrInvalidTransition, op, from)
}

// The methods below mutate the in-memory campaign only; callers persist the
// change with a compare-and-swap on the previous status.

func (c *Campaign) CheckPrepare() error {
	if c.Status != StatusDraft {
		return invalid(c.Status, "prepare roster for")
	}
	return nil
}

func (c *Campaign) Schedule(at, now time.Time) error {
	if c.Status != StatusDraft {
		return invalid(c.Status, "schedule")
	}
	if !at.After(now) {
		return fmt.Errorf("%w: scheduled time %s is not in the future", ErrInvalidTransition, at.Format(time.RFC3339))
	}
	if c.Counters.Total == 0 {
		return ErrEmptyRoster
	}
	at = at.UTC()
	c.ScheduledAt = &at
	c.SendImmediately = false
	c.Status = StatusScheduled
	c.UpdatedAt = now
	return nil
}

func (c *Campaign) Start(gatewayID string, now time.Time) error {
	if !c.Status.CanTransition(StatusInProgress) {
		return invalid(c.Status, "send")
	}
	if c.Counters.Total == 0 {
		return ErrEmptyRoster
	}
	if gatewayID == "" {
		return ErrNoGatewayConfigured
	}
	c.GatewayID = gatewayID
	c.Status = StatusInProgress
	c.LastError = ""
	c.StartedAt = &now
	c.UpdatedAt = now
	return nil
}

func (c *Campaign) Complete(now time.Time) error {
	if !c.Status.CanTransition(StatusCompleted) {
		return invalid(c.Status, "complete")
	}
	c.Status = StatusCompleted
	c.FinishedAt = &now
	c.UpdatedAt = now
	return nil
}

func (c *Campaign) Fail(reason string, now time.Time) error {
	if !c.Status.CanTransition(StatusFailed) {
		return invalid(c.Status, "fail")
	}
	c.Status = StatusFailed
	c.LastError = reason
	c.FinishedAt = &now
	c.UpdatedAt = now
	return nil
}

func (c *Campaign) Cancel(now time.Time) error {
	if !c.Status.CanTransition(StatusCancelled) {
		return invalid(c.Status, "cancel")
	}
	c.Status = StatusCancelled
	c.FinishedAt = &now
	c.UpdatedAt = now
	return nil
}
