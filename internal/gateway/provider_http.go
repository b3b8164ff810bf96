package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// HTTPProvider posts one request per recipient to a configured URL.
type HTTPProvider struct {
	URL      string
	Method   string
	APIKey   string
	SenderID string
	Client   *http.Client
	Logger   zerolog.Logger
}

func (p *HTTPProvider) Name() string { return string(ProviderHTTP) }

func (p *HTTPProvider) BatchSize() int { return 1 }

func (p *HTTPProvider) Send(ctx context.Context, batch []Message) ([]Result, error) {
	results := make([]Result, len(batch))
	for i, m := range batch {
		results[i] = p.SendOne(ctx, m.Phone, m.Text)
	}
	return results, nil
}

func (p *HTTPProvider) SendOne(ctx context.Context, phone, text string) Result {
	req, err := p.newRequest(ctx, phone, text)
	if err != nil {
		return Result{Phone: phone, Err: &Error{Kind: KindRejected, Provider: p.Name(), Err: err}}
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := httpClient(p.Client).Do(req)
	if err != nil {
		return Result{Phone: phone, Err: transportError(p.Name(), err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Phone: phone, Err: statusError(p.Name(), resp)}
	}

	var body struct {
		MessageID string `json:"message_id"`
		ID        string `json:"id"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		p.Logger.Debug().Err(err).Int("status", resp.StatusCode).Msg("failed to read gateway response, message id unknown")
	} else if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			p.Logger.Debug().Err(err).Int("status", resp.StatusCode).Str("body", truncate(string(raw), 256)).Msg("unparsable gateway response, message id unknown")
		}
	}
	id := body.MessageID
	if id == "" {
		id = body.ID
	}
	return Result{Phone: phone, Accepted: true, MessageID: id}
}

func (p *HTTPProvider) newRequest(ctx context.Context, phone, text string) (*http.Request, error) {
	if p.Method == http.MethodGet {
		u, err := url.Parse(p.URL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("phone", phone)
		q.Set("message", text)
		q.Set("sender", p.SenderID)
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	payload, err := json.Marshal(map[string]string{
		"phone":   phone,
		"message": text,
		"sender":  p.SenderID,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
