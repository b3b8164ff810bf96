package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Gateway sends one batch of messages. Results are index-aligned with batch;
// a non-nil error means the whole call failed and applies to every message.
type Gateway interface {
	Name() string
	BatchSize() int
	Send(ctx context.Context, batch []Message) ([]Result, error)
}

type Message struct {
	RecipientID string
	Phone       string
	Text        string
}

type Result struct {
	Phone     string
	Accepted  bool
	MessageID string
	Cost      string
	Err       error
}

// ErrConfigNotFound is returned by configuration stores for an unknown id or
// when no default configuration exists.
var ErrConfigNotFound = errors.New("gateway configuration not found")

type ProviderType string

const (
	ProviderBulk ProviderType = "africastalking"
	ProviderHTTP ProviderType = "custom"
)

// Config is a resolved gateway configuration.
type Config struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Provider  ProviderType `json:"provider"`
	APIKey    string       `json:"api_key"`
	APISecret string       `json:"api_secret,omitempty"`
	Username  string       `json:"username,omitempty"`
	SenderID  string       `json:"sender_id,omitempty"`
	URL       string       `json:"url,omitempty"`
	Method    string       `json:"method,omitempty"`
	Sandbox   bool         `json:"sandbox"`
	Active    bool         `json:"active"`
	IsDefault bool         `json:"is_default"`
	CreatedAt time.Time    `json:"created_at"`
}

func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("gateway api_key is required")
	}
	switch c.Provider {
	case ProviderBulk:
		if c.Username == "" {
			return errors.New("gateway username is required for " + string(ProviderBulk))
		}
	case ProviderHTTP:
		if c.URL == "" {
			return errors.New("gateway url is required for " + string(ProviderHTTP))
		}
		switch strings.ToUpper(c.Method) {
		case "", http.MethodGet, http.MethodPost:
		default:
			return fmt.Errorf("gateway method %q is not supported", c.Method)
		}
	default:
		return fmt.Errorf("gateway provider %q is not supported", c.Provider)
	}
	return nil
}

type Options struct {
	Client        *http.Client
	BulkBatchSize int
	Logger        zerolog.Logger
}

func New(cfg Config, opts Options) (Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderBulk:
		return &BulkProvider{
			Username:   cfg.Username,
			APIKey:     cfg.APIKey,
			SenderID:   cfg.SenderID,
			Sandbox:    cfg.Sandbox,
			BatchLimit: opts.BulkBatchSize,
			Client:     opts.Client,
		}, nil
	default:
		return &HTTPProvider{
			URL:      cfg.URL,
			Method:   strings.ToUpper(cfg.Method),
			APIKey:   cfg.APIKey,
			SenderID: cfg.SenderID,
			Client:   opts.Client,
			Logger:   opts.Logger,
		}, nil
	}
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return c
}
