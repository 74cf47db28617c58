package payment

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"economy-bot/internal/metrics"

	"github.com/tidwall/gjson"
)

const maxBodyBytes = 1 << 20

// ErrMalformedEvent is returned for payloads that cannot be interpreted.
var ErrMalformedEvent = errors.New("payment: malformed event")

// Event is a payment notification as delivered by the gateway.
type Event struct {
	ID                string
	Type              string
	Status            string
	ExternalReference string
	TransactionAmount string
	Headers           map[string]string
	ReceivedAt        time.Time
}

// Approved reports whether the event confirms a settled payment.
func (e Event) Approved() bool {
	return strings.EqualFold(e.Type, "payment") && strings.EqualFold(e.Status, "approved")
}

// Processor handles authenticated payment events.
type Processor interface {
	HandlePaymentEvent(ctx context.Context, event Event) error
}

// WebhookHandler verifies gateway credentials and forwards events.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	processor   Processor
}

// NewWebhookHandler creates a new webhook handler. With both hashes empty,
// requests are accepted without authentication.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, usernameMD5, passwordMD5 string, processor Processor) *WebhookHandler {
	h := &WebhookHandler{
		logger:      logger.With("component", "payment_webhook"),
		metrics:     metrics,
		usernameMD5: strings.ToLower(strings.TrimSpace(usernameMD5)),
		passwordMD5: strings.ToLower(strings.TrimSpace(passwordMD5)),
		processor:   processor,
	}
	if h.usernameMD5 == "" && h.passwordMD5 == "" {
		h.logger.Warn("payment webhook authentication disabled")
	}
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		h.countError("payment_webhook_auth")
		h.logger.Warn("rejected webhook", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.countError("payment_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := parseEvent(body)
	if err != nil {
		h.countError("payment_webhook")
		h.logger.Warn("malformed webhook payload", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	event.ReceivedAt = time.Now()
	event.Headers = map[string]string{}
	for key, vals := range r.Header {
		if len(vals) > 0 && !strings.EqualFold(key, "Authorization") {
			event.Headers[key] = vals[0]
		}
	}

	if h.processor != nil {
		if err := h.processor.HandlePaymentEvent(r.Context(), event); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "payment_id", event.ID)
			if errors.Is(err, ErrMalformedEvent) {
				h.countError("payment_webhook")
				http.Error(w, "malformed payload", http.StatusBadRequest)
				return
			}
			h.countError("payment_webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	if h.usernameMD5 == "" && h.passwordMD5 == "" {
		return nil
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return fmt.Errorf("missing basic auth")
	}

	if !hashEqual(md5Hex(username), h.usernameMD5) {
		return fmt.Errorf("invalid username hash")
	}
	if !hashEqual(md5Hex(password), h.passwordMD5) {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) validateSignatureHeader(r *http.Request) bool {
	signature := strings.TrimSpace(r.Header.Get("X-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(r.Header.Get("X-Webhook-Signature"))
	}
	if signature == "" {
		return false
	}
	signature = strings.ToLower(signature)
	return (h.usernameMD5 != "" && hashEqual(signature, h.usernameMD5)) ||
		(h.passwordMD5 != "" && hashEqual(signature, h.passwordMD5))
}

func (h *WebhookHandler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return strings.ToLower(hex.EncodeToString(sum[:]))
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// parseEvent reads the gateway payload. Notifications that carry only
// data.id are accepted with that id as the payment id.
func parseEvent(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Event{}, fmt.Errorf("%w: payload is not an object", ErrMalformedEvent)
	}
	fields := gjson.GetManyBytes(body, "id", "data.id", "type", "status", "external_reference", "transaction_amount")
	id := scalar(fields[0])
	if id == "" {
		id = scalar(fields[1])
	}
	return Event{
		ID:                id,
		Type:              scalar(fields[2]),
		Status:            scalar(fields[3]),
		ExternalReference: scalar(fields[4]),
		TransactionAmount: scalar(fields[5]),
	}, nil
}

// scalar renders a JSON string or number as plain text. Numbers keep their
// literal form.
func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}
