package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
)

// NameStripe identifies the Stripe gateway on payments.
const NameStripe = "stripe"

// MetadataPaymentID links a PaymentIntent back to our payment.
const MetadataPaymentID = "payment_id"

// IntentCreator is the slice of the Stripe API the gateway uses.
type IntentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// Stripe creates PaymentIntents; the verdict arrives on the Stripe webhook.
type Stripe struct {
	intents IntentCreator
	logger  *zap.Logger
}

// NewStripe creates a Stripe gateway from a secret key.
func NewStripe(secretKey string, logger *zap.Logger) *Stripe {
	return NewStripeWithClient(client.New(secretKey, nil).PaymentIntents, logger)
}

// NewStripeWithClient creates a Stripe gateway over an existing intents client.
func NewStripeWithClient(intents IntentCreator, logger *zap.Logger) *Stripe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stripe{intents: intents, logger: logger}
}

// Name implements payments.Gateway.
func (s *Stripe) Name() string { return NameStripe }

// Initiate implements payments.Gateway. Amounts are already minor units.
func (s *Stripe) Initiate(ctx context.Context, p *models.Payment) (*payments.Initiation, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount.IntPart()),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("payment-" + p.ID.String())
	params.AddMetadata(MetadataPaymentID, p.ID.String())
	params.AddMetadata("event_id", p.EventID.String())

	pi, err := s.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	s.logger.Debug("stripe payment intent created", zap.String("payment_id", p.ID.String()), zap.String("intent_id", pi.ID))
	return &payments.Initiation{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}
