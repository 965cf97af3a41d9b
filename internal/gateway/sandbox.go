// Package gateway contains the outbound payment providers.
package gateway

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/aura-webinar/checkout/internal/models"
	"github.com/aura-webinar/checkout/internal/payments"
)

// NameSandbox identifies the sandbox gateway on payments.
const NameSandbox = "sandbox"

// Sandbox issues synthetic references; verdicts arrive through the generic callback.
type Sandbox struct {
	redirectBase string
}

// NewSandbox creates a sandbox gateway redirecting to redirectBase.
func NewSandbox(redirectBase string) *Sandbox {
	return &Sandbox{redirectBase: strings.TrimRight(redirectBase, "/")}
}

// Name implements payments.Gateway.
func (s *Sandbox) Name() string { return NameSandbox }

// Initiate implements payments.Gateway.
func (s *Sandbox) Initiate(_ context.Context, p *models.Payment) (*payments.Initiation, error) {
	ref := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	q := url.Values{}
	q.Set("ref", ref)
	q.Set("amount", p.Amount.String())
	q.Set("currency", p.Currency)
	return &payments.Initiation{
		Reference:   ref,
		RedirectURL: s.redirectBase + "/pay?" + q.Encode(),
	}, nil
}
