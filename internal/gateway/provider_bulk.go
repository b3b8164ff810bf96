package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	bulkProductionURL = "https://api.africastalking.com/version1/messaging"
	bulkSandboxURL    = "https://api.sandbox.africastalking.com/version1/messaging"

	defaultBulkBatchSize = 1000
)

// BulkProvider sends one message body to many recipients per request using the
// Africa's Talking messaging API. Sandbox mode is chosen only by the Sandbox flag.
type BulkProvider struct {
	Username   string
	APIKey     string
	SenderID   string
	Sandbox    bool
	Endpoint   string
	BatchLimit int
	Client     *http.Client
}

func (p *BulkProvider) Name() string { return string(ProviderBulk) }

func (p *BulkProvider) BatchSize() int {
	if p.BatchLimit > 0 {
		return p.BatchLimit
	}
	return defaultBulkBatchSize
}

func (p *BulkProvider) endpoint() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	if p.Sandbox {
		return bulkSandboxURL
	}
	return bulkProductionURL
}

type bulkResponse struct {
	SMSMessageData struct {
		Message    string          `json:"Message"`
		Recipients []bulkRecipient `json:"Recipients"`
	} `json:"SMSMessageData"`
}

type bulkRecipient struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageID  string `json:"messageId"`
}

// Send groups the batch by message text so personalized batches still go out
// as few requests as possible.
func (p *BulkProvider) Send(ctx context.Context, batch []Message) ([]Result, error) {
	results := make([]Result, len(batch))
	groups := map[string][]int{}
	var order []string
	for i, m := range batch {
		if _, ok := groups[m.Text]; !ok {
			order = append(order, m.Text)
		}
		groups[m.Text] = append(groups[m.Text], i)
	}

	for _, text := range order {
		idx := groups[text]
		phones := make([]string, len(idx))
		for j, i := range idx {
			phones[j] = batch[i].Phone
		}
		groupResults, err := p.SendBulk(ctx, phones, text)
		for j, i := range idx {
			if err != nil {
				results[i] = Result{Phone: phones[j], Err: err}
				continue
			}
			results[i] = groupResults[j]
		}
	}
	return results, nil
}

// SendBulk issues a single request for phones. Results are index-aligned with
// phones; a recipient missing from the provider's response is a failure.
func (p *BulkProvider) SendBulk(ctx context.Context, phones []string, text string) ([]Result, error) {
	form := url.Values{}
	form.Set("username", p.Username)
	form.Set("to", strings.Join(phones, ","))
	form.Set("message", text)
	if p.SenderID != "" && !p.Sandbox {
		form.Set("from", p.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindRejected, Provider: p.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", p.APIKey)

	resp, err := httpClient(p.Client).Do(req)
	if err != nil {
		return nil, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(p.Name(), resp)
	}

	var body bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &Error{Kind: KindTransport, Provider: p.Name(), StatusCode: resp.StatusCode, Message: "unreadable response", Err: err}
	}

	byNumber := make(map[string]bulkRecipient, len(body.SMSMessageData.Recipients))
	for _, r := range body.SMSMessageData.Recipients {
		byNumber[r.Number] = r
	}

	results := make([]Result, len(phones))
	for i, phone := range phones {
		r, ok := byNumber[phone]
		switch {
		case !ok:
			results[i] = Result{Phone: phone, Err: &Error{
				Kind:     KindRejected,
				Provider: p.Name(),
				Message:  "recipient not accepted: " + body.SMSMessageData.Message,
			}}
		case bulkAccepted(r):
			results[i] = Result{Phone: phone, Accepted: true, MessageID: r.MessageID, Cost: r.Cost}
		default:
			results[i] = Result{Phone: phone, MessageID: r.MessageID, Err: &Error{
				Kind:       bulkFailureKind(r.StatusCode),
				Provider:   p.Name(),
				StatusCode: r.StatusCode,
				Message:    fmt.Sprintf("recipient status %s", r.Status),
			}}
		}
	}
	return results, nil
}

func bulkAccepted(r bulkRecipient) bool {
	switch r.StatusCode {
	case 100, 101, 102:
		return true
	case 0:
		return strings.EqualFold(r.Status, "Success")
	}
	return false
}

// bulkFailureKind maps per-recipient provider status codes.
func bulkFailureKind(code int) Kind {
	switch code {
	case 405:
		return KindUnauthorized
	case 407, 500, 501:
		return KindTransport
	default:
		return KindRejected
	}
}
