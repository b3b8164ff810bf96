package personalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/example/campaign-dispatch/internal/campaign"
)

var ErrUnknownToken = errors.New("unknown placeholder token")

type Token string

const (
	TokenName            Token = "name"
	TokenAdmissionNumber Token = "admission_number"
	TokenStaffID         Token = "staff_id"
)

var tokenPattern = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

func (t Token) value(r campaign.Recipient) (string, bool) {
	switch t {
	case TokenName:
		return r.Name, true
	case TokenAdmissionNumber:
		return r.AdmissionNumber, true
	case TokenStaffID:
		return r.StaffID, true
	default:
		return "", false
	}
}

// Validate rejects templates that reference placeholders outside the supported set.
func Validate(template string) error {
	var unknown []string
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := Token(m[1]).value(campaign.Recipient{}); !ok {
			unknown = append(unknown, m[0])
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownToken, strings.Join(unknown, ", "))
	}
	return nil
}

// Render substitutes supported tokens with the recipient's fields. Absent fields
// and unknown tokens render as empty strings.
func Render(template string, r campaign.Recipient) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		v, _ := Token(match[1 : len(match)-1]).value(r)
		return v
	})
}

// Message returns the text sent to r for campaign c.
func Message(c *campaign.Campaign, r campaign.Recipient) string {
	if !c.Personalized {
		return c.Template
	}
	return Render(c.Template, r)
}
