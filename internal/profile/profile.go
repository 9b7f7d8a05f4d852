// Package profile resolves a job owner's subscription tier. The accounts
// database belongs to the web layer; workers only read the tier.
package profile

import "context"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

type Lookup interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

// Static is a fixed tier table for development and tests.
type Static struct {
	Tiers   map[string]Tier
	Default Tier
}

func (s *Static) Tier(ctx context.Context, userID string) (Tier, error) {
	if t, ok := s.Tiers[userID]; ok {
		return t, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return TierFree, nil
}
