package stripe

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Minimal decode targets for event.Data.Raw. Only the fields the handlers
// read are declared, so API version drift in other fields cannot break
// decoding.

type checkoutSession struct {
	ID                string          `json:"id"`
	Customer          expandableID    `json:"customer"`
	Subscription      expandableID    `json:"subscription"`
	ClientReferenceID string          `json:"client_reference_id"`
	CustomerEmail     string          `json:"customer_email"`
	CustomerDetails   *customerDetail `json:"customer_details"`
}

type customerDetail struct {
	Email string `json:"email"`
}

// email returns the buyer email from customer_details, then customer_email.
func (s *checkoutSession) email() string {
	if s.CustomerDetails != nil {
		if email := strings.TrimSpace(s.CustomerDetails.Email); email != "" {
			return email
		}
	}
	return strings.TrimSpace(s.CustomerEmail)
}

type subscriptionObject struct {
	ID       string       `json:"id"`
	Customer expandableID `json:"customer"`
	Status   string       `json:"status"`
	TrialEnd int64        `json:"trial_end"`
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object carrying an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*e = ""
		return nil
	case b[0] == '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*e = expandableID(obj.ID)
		return nil
	default:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
}
