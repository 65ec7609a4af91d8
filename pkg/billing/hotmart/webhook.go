package hotmart

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/internal"
)

const (
	msgProcessed       = "Webhook processado com sucesso"
	msgProductNotFound = "Produto não encontrado"
	msgIncomplete      = "Dados incompletos no webhook"
	msgProductNoApp    = "Produto não está vinculado a um app"
)

type webhookResponse struct {
	Success           bool     `json:"success"`
	Message           string   `json:"message,omitempty"`
	Email             string   `json:"email,omitempty"`
	ProductsProcessed int      `json:"products_processed"`
	Granted           []string `json:"granted"`
	Duplicate         bool     `json:"duplicate,omitempty"`
	Ignored           bool     `json:"ignored,omitempty"`
	Event             string   `json:"event,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ProductID string `json:"productId,omitempty"`
}

// handleWebhook processes incoming Hotmart postbacks
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		p.writeError(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	if !p.authorized(r) {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("hotmart webhook rejected", access.F("reason", billing.ErrUnauthorized.Error()))
		p.writeError(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.DefaultBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			p.writeError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid payload: %v", err)})
		return
	}

	payload, err := parseWebhookPayload(body)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		p.logger.Warn("hotmart payload rejected", access.F("error", err))
		p.writeError(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid payload: %v", err)})
		return
	}

	eventType := payload.eventType()
	purchase := payload.purchase()
	if err := purchase.Validate(); err != nil {
		p.metrics.RecordWebhookError(providerName, "missing_fields")
		p.logger.Warn("hotmart payload incomplete", access.F("event", eventType))
		p.writeError(w, http.StatusBadRequest, errorResponse{Error: msgIncomplete})
		return
	}

	p.logger.Info("hotmart webhook received",
		access.F("event", eventType), access.F("product_id", purchase.ProductID), access.F("event_id", purchase.EventID))

	if !p.grants(eventType) {
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		p.respond(w, http.StatusOK, webhookResponse{Success: true, Ignored: true, Event: eventType, Granted: []string{}})
		return
	}

	if p.alreadyProcessed(r.Context(), purchase.EventID) {
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		p.respond(w, http.StatusOK, webhookResponse{
			Success:   true,
			Message:   msgProcessed,
			Email:     strings.TrimSpace(purchase.Email),
			Granted:   []string{},
			Duplicate: true,
		})
		return
	}

	summary, err := p.granter.Grant(r.Context(), purchase)
	if err != nil {
		p.handleGrantError(w, eventType, purchase, err, startTime)
		return
	}

	for _, g := range summary.Granted {
		p.metrics.RecordGrant(providerName, g.Bonus)
	}

	if purchase.EventID != "" {
		if err := p.ledger.MarkProcessed(r.Context(), providerName, purchase.EventID); err != nil {
			p.logger.Error("failed to record processed event",
				access.F("event_id", purchase.EventID), access.F("error", err))
		}
	}

	p.notify(r.Context(), billing.WebhookEvent{
		Provider:       providerName,
		EventType:      eventType,
		EventID:        purchase.EventID,
		EventTimestamp: eventTimestamp(payload),
		Email:          summary.Email,
		AppID:          summary.AppID,
		Granted:        summary.Labels(),
		Metadata: map[string]interface{}{
			"product_id":     purchase.ProductID,
			"client_id":      summary.Client.ID,
			"client_created": summary.ClientCreated,
		},
	})

	p.respond(w, http.StatusOK, webhookResponse{
		Success:           true,
		Message:           msgProcessed,
		Email:             strings.TrimSpace(purchase.Email),
		ProductsProcessed: summary.Count(),
		Granted:           summary.Labels(),
	})
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) handleGrantError(
	w http.ResponseWriter, eventType string, purchase access.Purchase, err error, startTime time.Time,
) {
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()

	switch {
	case errors.Is(err, access.ErrNoMatchingProduct):
		p.metrics.RecordWebhookEvent(providerName, eventType, "unmatched")
		p.metrics.RecordUnmatched(providerName, "product_not_found")
		p.writeError(w, http.StatusNotFound, errorResponse{Error: msgProductNotFound, ProductID: purchase.ProductID})
	case errors.Is(err, access.ErrProductWithoutApp):
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "product_without_app")
		p.logger.Error("hotmart product not linked to an app",
			access.F("product_id", purchase.ProductID), access.F("error", err))
		p.writeError(w, http.StatusInternalServerError, errorResponse{Error: msgProductNoApp})
	default:
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.logger.Error("hotmart webhook failed",
			access.F("product_id", purchase.ProductID), access.F("error", err))
		p.writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// alreadyProcessed consults the ledger. Lookup failures are logged and the
// event is processed anyway; granting is idempotent.
func (p *Provider) alreadyProcessed(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}
	seen, err := p.ledger.Seen(ctx, providerName, eventID)
	if err != nil {
		p.logger.Warn("event ledger lookup failed", access.F("event_id", eventID), access.F("error", err))
		return false
	}
	return seen
}

func (p *Provider) notify(ctx context.Context, event billing.WebhookEvent) {
	if p.config.WebhookCallback == nil {
		return
	}
	if err := p.config.WebhookCallback(ctx, event); err != nil {
		p.metrics.RecordWebhookError(providerName, "callback_error")
		p.logger.Error("webhook callback failed", access.F("event_id", event.EventID), access.F("error", err))
	}
}

func (p *Provider) respond(w http.ResponseWriter, code int, resp webhookResponse) {
	if resp.Granted == nil {
		resp.Granted = []string{}
	}
	_ = internal.WriteJSON(w, code, resp)
}

func (p *Provider) writeError(w http.ResponseWriter, code int, resp errorResponse) {
	_ = internal.WriteJSON(w, code, resp)
}

func eventTimestamp(payload *webhookPayload) time.Time {
	if ts := payload.timestamp(); !ts.IsZero() {
		return ts
	}
	return time.Now().UTC()
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
