package ritual

import (
	"context"

	"github.com/roach88/ritual/internal/intention"
)

// Panel is the per-kind front of the service: Call It In writes
// manifestations, Burn It writes releases.
type Panel struct {
	svc  *Service
	kind intention.Kind

	Heading     string
	Prompt      string
	Placeholder string
	SignInHint  string
}

// CallItIn returns the manifestation panel.
func CallItIn(svc *Service) *Panel {
	return &Panel{
		svc:         svc,
		kind:        intention.Manifest,
		Heading:     "Face East • Call It In",
		Prompt:      "Speak your desires into existence. Write what you wish to manifest.",
		Placeholder: "I call forth into my reality...",
		SignInHint:  "Sign in to sync your intentions across all devices",
	}
}

// BurnIt returns the release panel.
func BurnIt(svc *Service) *Panel {
	return &Panel{
		svc:         svc,
		kind:        intention.Release,
		Heading:     "Face West • Burn It",
		Prompt:      "Release what no longer serves you. Let the mystical flames transform your burdens into ash.",
		Placeholder: "I release and let go of...",
		SignInHint:  "Sign in to save your releases and track your transformation journey",
	}
}

// PanelFor returns the panel writing kind.
func PanelFor(svc *Service, kind intention.Kind) *Panel {
	if kind == intention.Release {
		return BurnIt(svc)
	}
	return CallItIn(svc)
}

// Kind returns the kind this panel writes.
func (p *Panel) Kind() intention.Kind { return p.kind }

// Submit stores text as this panel's kind.
func (p *Panel) Submit(ctx context.Context, text string) (intention.Record, error) {
	return p.svc.Submit(ctx, text, p.kind)
}

// ToggleSeal flips the sealed flag of a local record.
func (p *Panel) ToggleSeal(ctx context.Context, id string) (intention.Record, error) {
	return p.svc.ToggleSeal(ctx, id)
}

// Remove deletes a record.
func (p *Panel) Remove(ctx context.Context, id string) error {
	return p.svc.RemoveItem(ctx, id)
}

// Items returns this panel's records, newest first.
func (p *Panel) Items() []intention.Record {
	return p.svc.Items(p.kind)
}

// Busy reports whether a submit from this panel is still running. Front
// ends disable the submit control while it is true.
func (p *Panel) Busy() bool {
	return p.svc.Busy(p.kind)
}

// ShowSignInHint reports whether the sign-in hint applies.
func (p *Panel) ShowSignInHint() bool {
	return p.svc.cloudSync && p.svc.Mode() == Anonymous
}
