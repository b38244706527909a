// Package guard runs the ordered admission checks evaluated before a
// protected route is served. Checks are read-only; the only outcome of a
// failure is a redirect target.
package guard

import (
	"context"
	"net/url"

	"github.com/voxly/interview-gateway/pkg/gateway/auth"
	"github.com/voxly/interview-gateway/pkg/gateway/config"
	"github.com/voxly/interview-gateway/pkg/gateway/token"
)

type Reason string

const (
	ReasonSignedOut   Reason = "signed-out"
	ReasonOnboarding  Reason = "onboarding-incomplete"
	ReasonMissing     Reason = "missing"
	ReasonExpired     Reason = "expired"
	ReasonDirectEntry Reason = "direct-entry"
)

// Denial is the short-circuit result of a failed check.
type Denial struct {
	Reason     Reason
	RedirectTo string
}

// Request carries everything a check may read. Checks never mutate it.
// Principal is nil when no identity token was presented.
type Request struct {
	Principal    *auth.Principal
	HasPrincipal bool

	// Destination is the originally requested path, preserved across the
	// sign-in and onboarding redirects.
	Destination string

	ClientSession string
	LiveRoute     bool
}

type Check struct {
	Name string
	Eval func(ctx context.Context, req Request) (*Denial, error)
}

type Chain struct {
	checks []Check
}

// Evaluate runs the checks in order. The first denial wins; later checks
// are not consulted.
func (c *Chain) Evaluate(ctx context.Context, req Request) (*Denial, error) {
	for _, chk := range c.checks {
		d, err := chk.Eval(ctx, req)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, nil
}

// NewChain builds the fixed admission order: identity, consent, then
// route-specific eligibility for the live call route.
func NewChain(cfg config.Config, tokens *token.Store) *Chain {
	return &Chain{checks: []Check{
		{Name: "identity", Eval: func(ctx context.Context, req Request) (*Denial, error) {
			if req.HasPrincipal {
				return nil, nil
			}
			return &Denial{
				Reason:     ReasonSignedOut,
				RedirectTo: withReturnTo(cfg.SigninPath, req.Destination),
			}, nil
		}},
		{Name: "consent", Eval: func(ctx context.Context, req Request) (*Denial, error) {
			if req.Principal.ConsentSatisfied() {
				return nil, nil
			}
			return &Denial{
				Reason:     ReasonOnboarding,
				RedirectTo: withReturnTo(cfg.OnboardingPath, req.Destination),
			}, nil
		}},
		{Name: "live-eligibility", Eval: func(ctx context.Context, req Request) (*Denial, error) {
			if !req.LiveRoute {
				return nil, nil
			}
			v, err := tokens.Validate(ctx, req.ClientSession)
			if err != nil {
				return nil, err
			}
			if !v.Valid {
				reason := ReasonMissing
				if v.Reason == token.ReasonExpired {
					reason = ReasonExpired
				}
				return toDashboard(cfg, reason), nil
			}
			viaSetup, err := tokens.SetupMarker(ctx, req.ClientSession)
			if err != nil {
				return nil, err
			}
			if !viaSetup {
				return toDashboard(cfg, ReasonDirectEntry), nil
			}
			return nil, nil
		}},
	}}
}

func toDashboard(cfg config.Config, reason Reason) *Denial {
	return &Denial{
		Reason:     reason,
		RedirectTo: cfg.DashboardPath + "?reason=" + url.QueryEscape(string(reason)),
	}
}

func withReturnTo(base, dest string) string {
	if dest == "" {
		return base
	}
	return base + "?returnTo=" + url.QueryEscape(dest)
}
