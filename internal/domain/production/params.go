package production

import (
	"context"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/providers"
)

// StartParams are the kind-specific start parameters for a Production
// workflow (spec.md §6.1).
type StartParams struct {
	ProductionCompanyID string `json:"productionCompanyId"`
	PitchID              string `json:"pitchId"`
	CreatorID             string `json:"creatorId"`
	InterestType          string `json:"interestType"` // option, purchase, co_production, distribution
}

var validInterestTypes = map[string]bool{
	"option": true, "purchase": true, "co_production": true, "distribution": true,
}

// Validate checks spec.md §6.1's synchronous start-time rule: the company
// must exist and be verified.
func (p StartParams) Validate(ctx context.Context, entities providers.EntityStore) error {
	if p.ProductionCompanyID == "" || p.PitchID == "" || p.CreatorID == "" {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "productionCompanyId, pitchId and creatorId are required", nil)
	}
	if !validInterestTypes[p.InterestType] {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "interestType must be one of option, purchase, co_production, distribution", nil)
	}
	verified, err := entities.IsCompanyVerified(ctx, p.ProductionCompanyID)
	if err != nil {
		return err
	}
	if !verified {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "production company does not exist or is not verified", nil)
	}
	return nil
}
