package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-webinar/checkout/config"
	"github.com/aura-webinar/checkout/internal/payments"
)

// FromConfig returns the gateway named by cfg.Gateway.Provider.
func FromConfig(cfg *config.Config, logger *zap.Logger) (payments.Gateway, error) {
	switch cfg.Gateway.Provider {
	case config.GatewaySandbox:
		return NewSandbox(cfg.Gateway.SandboxRedirect), nil
	case config.GatewayStripe:
		return NewStripe(cfg.Stripe.SecretKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Gateway.Provider)
	}
}
