package hotmart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tribebuild/tribehooks/pkg/access"
)

// webhookPayload is the subset of the Hotmart postback body we read.
type webhookPayload struct {
	ID           string `json:"id"`
	Event        string `json:"event"`
	Version      string `json:"version"`
	CreationDate int64  `json:"creation_date"`
	Data         struct {
		Product struct {
			ID   flexibleID `json:"id"`
			Name string     `json:"name"`
		} `json:"product"`
		Buyer struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"buyer"`
		Purchase struct {
			Transaction string `json:"transaction"`
			Status      string `json:"status"`
		} `json:"purchase"`
	} `json:"data"`
}

// flexibleID accepts a JSON string or number. Hotmart sends numeric product
// ids, test tools often send strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("product id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

func parseWebhookPayload(body []byte) (*webhookPayload, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return &payload, nil
}

// eventType returns the event name, "UNKNOWN" when absent.
func (p *webhookPayload) eventType() string {
	if e := strings.TrimSpace(p.Event); e != "" {
		return e
	}
	return "UNKNOWN"
}

// eventID returns the delivery id used for duplicate detection. v2 payloads
// carry an id; older ones fall back to the purchase transaction.
func (p *webhookPayload) eventID() string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	if tx := strings.TrimSpace(p.Data.Purchase.Transaction); tx != "" {
		return tx + ":" + p.eventType()
	}
	return ""
}

// timestamp returns the creation date (milliseconds) or the zero time.
func (p *webhookPayload) timestamp() time.Time {
	if p.CreationDate <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.CreationDate).UTC()
}

func (p *webhookPayload) purchase() access.Purchase {
	return access.Purchase{
		EventID:   p.eventID(),
		Event:     p.eventType(),
		ProductID: string(p.Data.Product.ID),
		Email:     p.Data.Buyer.Email,
		Name:      p.Data.Buyer.Name,
		Source:    access.SourceHotmart,
	}
}
