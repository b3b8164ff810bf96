package campaign

import (
	"errors"
	"time"
)

var (
	ErrInvalidTransition   = errors.New("invalid campaign state transition")
	ErrEmptyRoster         = errors.New("campaign has no recipients")
	ErrNoGatewayConfigured = errors.New("no active gateway configured")
	ErrNotFound            = errors.New("campaign not found")
	ErrUnknownAudience     = errors.New("unknown audience specification")
	ErrRecipientNotFound   = errors.New("recipient not found")
	// ErrDispatchInProgress means another run holds the campaign's dispatch lease.
	ErrDispatchInProgress  = errors.New("campaign dispatch already in progress")
)

type AudienceType string

const (
	AudienceAllStudents AudienceType = "all_students"
	AudienceAllStaff    AudienceType = "all_staff"
	AudienceDepartment  AudienceType = "department"
	AudienceClub        AudienceType = "club"
	AudienceCustom      AudienceType = "custom"
)

// Audience selects the candidate contacts of a campaign. Selector holds the
// department or club reference; ContactIDs the explicit list for custom audiences.
type Audience struct {
	Type       AudienceType `json:"type"`
	Selector   string       `json:"selector,omitempty"`
	ContactIDs []string     `json:"contact_ids,omitempty"`
}

func (a Audience) Validate() error {
	switch a.Type {
	case AudienceAllStudents, AudienceAllStaff:
		return nil
	case AudienceDepartment, AudienceClub:
		if a.Selector == "" {
			return errors.New("audience selector is required for " + string(a.Type))
		}
		return nil
	case AudienceCustom:
		if len(a.ContactIDs) == 0 {
			return errors.New("audience contact_ids are required for custom")
		}
		return nil
	default:
		return ErrUnknownAudience
	}
}

// RequiresOptIn reports whether candidates must have opted in. An explicit
// custom list is chosen by an operator and bypasses the opt-in flag.
func (a Audience) RequiresOptIn() bool {
	return a.Type != AudienceCustom
}

type Counters struct {
	Total     int `json:"total_recipients"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
	Pending   int `json:"pending"`
}

type Campaign struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Template        string     `json:"template"`
	Personalized    bool       `json:"personalized"`
	Audience        Audience   `json:"audience"`
	GatewayID       string     `json:"gateway_id,omitempty"`
	Status          Status     `json:"status"`
	SendImmediately bool       `json:"send_immediately"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	Counters        Counters   `json:"counters"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Category string

const (
	CategoryStudent Category = "student"
	CategoryStaff   Category = "staff"
	CategoryOther   Category = "other"
)

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
)

type Recipient struct {
	ID               string          `json:"id"`
	CampaignID       string          `json:"campaign_id"`
	Phone            string          `json:"phone"`
	Name             string          `json:"name"`
	Category         Category        `json:"category"`
	AdmissionNumber  string          `json:"admission_number,omitempty"`
	StaffID          string          `json:"staff_id,omitempty"`
	Status           RecipientStatus `json:"status"`
	Message          string          `json:"message,omitempty"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	RetryCount       int             `json:"retry_count"`
	GatewayMessageID string          `json:"gateway_message_id,omitempty"`
	Cost             string          `json:"cost,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Outcome is the persisted result of one send attempt for one recipient.
type Outcome struct {
	RecipientID      string
	Status           RecipientStatus
	Message          string
	SentAt           *time.Time
	LastError        string
	RetryCount       int
	GatewayMessageID string
	Cost             string
}

// Contact is a candidate returned by the contacts collaborator.
type Contact struct {
	ID              string
	Name            string
	Phone           string
	Category        Category
	AdmissionNumber string
	StaffID         string
	OptIn           bool
}
