package investment

import (
	"context"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/providers"
)

const (
	minProposedAmount = 1000
	maxProposedAmount = 10_000_000
)

var validInvestmentTypes = map[string]bool{
	"equity": true, "debt": true, "convertible": true, "revenue_share": true,
}

// StartParams are the kind-specific start parameters for an Investment
// workflow (spec.md §6.1).
type StartParams struct {
	InvestorID     string  `json:"investorId"`
	CreatorID      string  `json:"creatorId"`
	PitchID        string  `json:"pitchId"`
	ProposedAmount float64 `json:"proposedAmount"`
	InvestmentType string  `json:"investmentType"` // equity, debt, convertible, revenue_share
	NDAAccepted    bool    `json:"ndaAccepted"`
}

// Validate checks spec.md §6.1's synchronous start-time rule (scenario S3):
// amount bounds, a known investment type, and that the investor has accepted
// the pitch's NDA before an investment conversation can begin.
func (p StartParams) Validate(ctx context.Context, entities providers.EntityStore) error {
	if p.InvestorID == "" || p.CreatorID == "" || p.PitchID == "" {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "investorId, creatorId and pitchId are required", nil)
	}
	if !validInvestmentTypes[p.InvestmentType] {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "investmentType must be one of equity, debt, convertible, revenue_share", nil)
	}
	if !p.NDAAccepted {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "ndaAccepted must be true before an investment can start", nil)
	}
	if p.ProposedAmount < minProposedAmount || p.ProposedAmount > maxProposedAmount {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "proposedAmount must be between 1,000 and 10,000,000", nil)
	}
	if _, err := entities.GetUser(ctx, p.InvestorID); err != nil {
		return err
	}
	return nil
}
