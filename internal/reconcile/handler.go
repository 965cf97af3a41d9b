package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/pkg/queue"
	"github.com/aura-webinar/checkout/pkg/response"
)

const (
	// HeaderSignature carries the hex HMAC-SHA256 of the raw callback body.
	HeaderSignature = "X-Gateway-Signature"
	// ProviderStripe tags callbacks converted from Stripe events.
	ProviderStripe = "stripe"

	reasonStripeCanceled = "gateway_canceled"
)

// CallbackRequest is the body for POST /payments/callback.
type CallbackRequest struct {
	Provider  string           `json:"provider" binding:"required"`
	Reference string           `json:"reference" binding:"required"`
	Amount    *decimal.Decimal `json:"amount"`
	Status    string           `json:"status" binding:"required,oneof=success failed"`
	Reason    string           `json:"reason"`
	Timestamp *time.Time       `json:"timestamp"`
}

// Enqueuer defers callbacks that hit a transient failure.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, payload queue.ReconcilePayload) error
}

// Handler handles gateway callback endpoints. Gateways retry until they receive a 2xx,
// so duplicates are answered with success.
type Handler struct {
	reconciler    *Reconciler
	enqueuer      Enqueuer
	callbackKey   []byte
	webhookSecret string
	logger        *zap.Logger
}

// NewHandler creates a callback handler. With an empty callbackSecret the generic callback
// rejects every request; enqueuer may be nil when no queue is configured.
func NewHandler(r *Reconciler, enqueuer Enqueuer, callbackSecret, stripeWebhookSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{reconciler: r, enqueuer: enqueuer, webhookSecret: stripeWebhookSecret, logger: logger}
	if callbackSecret != "" {
		h.callbackKey = []byte(callbackSecret)
	}
	return h
}

// Callback handles POST /payments/callback.
func (h *Handler) Callback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if h.callbackKey == nil {
		h.logger.Warn("callback rejected: no callback secret configured", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "callbacks are not accepted")
		return
	}
	if !VerifySignature(h.callbackKey, body, c.GetHeader(HeaderSignature)) {
		h.logger.Warn("callback signature mismatch", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid signature")
		return
	}
	var req CallbackRequest
	if err := binding.JSON.BindBody(body, &req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	// Stripe verdicts are only trusted through the signed webhook.
	if req.Provider == ProviderStripe {
		response.BadRequest(c, "stripe payments are reconciled via /webhooks/stripe")
		return
	}
	cb := Callback{
		Provider:  req.Provider,
		Reference: req.Reference,
		Success:   req.Status == "success",
		Reason:    req.Reason,
	}
	switch {
	case req.Amount != nil:
		cb.Amount = *req.Amount
	case cb.Success:
		response.BadRequest(c, "amount is required for success callbacks")
		return
	}
	if req.Timestamp != nil {
		cb.Timestamp = *req.Timestamp
	}
	h.apply(c, cb)
}

// StripeWebhook handles POST /webhooks/stripe.
func (h *Handler) StripeWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe signature verification failed", zap.Error(err))
		response.BadRequest(c, "invalid stripe signature")
		return
	}
	cb, ok, err := CallbackFromStripe(event)
	if err != nil {
		h.logger.Warn("malformed stripe event", zap.String("event_id", event.ID), zap.Error(err))
		response.BadRequest(c, "malformed event payload")
		return
	}
	if !ok {
		h.logger.Debug("stripe event ignored", zap.String("event_id", event.ID), zap.String("type", string(event.Type)))
		response.OK(c, gin.H{"ignored": true})
		return
	}
	h.apply(c, cb)
}

func (h *Handler) apply(c *gin.Context, cb Callback) {
	outcome, err := h.reconciler.Reconcile(c.Request.Context(), cb)
	switch {
	case err == nil:
		response.OK(c, gin.H{"outcome": outcome})
	case errors.Is(err, ErrUnknownPayment):
		response.NotFound(c, "unknown payment reference")
	case errors.Is(err, ErrAmountMismatch):
		response.Rejected(c, "amount_mismatch", "amount does not match payment")
	default:
		h.deferCallback(c, cb, err)
	}
}

// deferCallback queues a callback whose processing failed transiently.
func (h *Handler) deferCallback(c *gin.Context, cb Callback, cause error) {
	log := h.logger.With(zap.String("gateway_ref", cb.Reference), zap.NamedError("cause", cause))
	if h.enqueuer == nil {
		log.Error("reconcile failed and no queue configured")
		response.ServiceUnavailable(c, "callback could not be processed")
		return
	}
	if err := h.enqueuer.EnqueueReconcile(c.Request.Context(), cb.Payload()); err != nil {
		log.Error("enqueue deferred callback failed", zap.Error(err))
		response.ServiceUnavailable(c, "callback could not be processed")
		return
	}
	log.Warn("reconcile deferred")
	response.Accepted(c, gin.H{"queued": true})
}

// VerifySignature checks a hex HMAC-SHA256 of body in constant time.
func VerifySignature(key, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(key, body))
}

// Sign returns the HMAC-SHA256 of body.
func Sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// CallbackFromStripe converts a PaymentIntent event. ok is false for event types
// that carry no verdict.
func CallbackFromStripe(event stripe.Event) (cb Callback, ok bool, err error) {
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
	default:
		return Callback{}, false, nil
	}
	if event.Data == nil {
		return Callback{}, false, errors.New("event has no data")
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return Callback{}, false, fmt.Errorf("decode payment intent: %w", err)
	}
	cb = Callback{
		Provider:  ProviderStripe,
		Reference: pi.ID,
		Timestamp: time.Unix(event.Created, 0).UTC(),
	}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		cb.Success = true
		cb.Amount = decimal.NewFromInt(pi.AmountReceived)
	case stripe.EventTypePaymentIntentPaymentFailed:
		cb.Amount = decimal.NewFromInt(pi.Amount)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
			cb.Reason = "stripe_" + string(pi.LastPaymentError.Code)
		}
	case stripe.EventTypePaymentIntentCanceled:
		cb.Amount = decimal.NewFromInt(pi.Amount)
		cb.Reason = reasonStripeCanceled
	}
	return cb, true, nil
}

// Payload converts cb for the deferred queue.
func (cb Callback) Payload() queue.ReconcilePayload {
	return queue.ReconcilePayload{
		Provider:  cb.Provider,
		Reference: cb.Reference,
		Amount:    cb.Amount.String(),
		Success:   cb.Success,
		Reason:    cb.Reason,
		Timestamp: cb.Timestamp,
	}
}

// CallbackFromPayload is the inverse of Callback.Payload.
func CallbackFromPayload(p queue.ReconcilePayload) (Callback, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return Callback{}, fmt.Errorf("parse amount %q: %w", p.Amount, err)
	}
	return Callback{
		Provider:  p.Provider,
		Reference: p.Reference,
		Amount:    amount,
		Success:   p.Success,
		Reason:    p.Reason,
		Timestamp: p.Timestamp,
	}, nil
}
