package nda

import (
	"context"
	"strings"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/providers"
)

// StartParams are the kind-specific start parameters for an NDA workflow
// (spec.md §6.1).
type StartParams struct {
	RequesterID    string `json:"requesterId"`
	RequesterType  string `json:"requesterType"` // investor, production, partner
	RequesterEmail string `json:"requesterEmail"`
	PitchID        string `json:"pitchId"`
	CreatorID      string `json:"creatorId"`
	TemplateID     string `json:"templateId"`
	DurationMonths int    `json:"durationMonths"`
}

var validRequesterTypes = map[string]bool{"investor": true, "production": true, "partner": true}

// Validate checks the synchronous, start-time rules from spec.md §6.1's
// validation column: email shape and no pre-existing active NDA for the
// same (pitch, requester) pair. Domain validation failures never create an
// instance (spec.md scenario S3's "rejected synchronously at start").
func (p StartParams) Validate(ctx context.Context, entities providers.EntityStore) error {
	if p.RequesterID == "" || p.PitchID == "" || p.CreatorID == "" || p.TemplateID == "" {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "requesterId, pitchId, creatorId and templateId are required", nil)
	}
	if !validRequesterTypes[p.RequesterType] {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "requesterType must be one of investor, production, partner", nil)
	}
	if !strings.Contains(p.RequesterEmail, "@") || strings.HasPrefix(p.RequesterEmail, "@") || strings.HasSuffix(p.RequesterEmail, "@") {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "requesterEmail is not a valid email address", nil)
	}

	active, err := entities.HasActiveNDA(ctx, p.PitchID, p.RequesterID)
	if err != nil {
		return err
	}
	if active {
		return dealerrors.Domain(dealerrors.CodeDuplicateActiveNDA, "an active NDA already exists for this requester and pitch", nil)
	}
	return nil
}

func (p StartParams) durationMonths() int {
	if p.DurationMonths <= 0 {
		return 24
	}
	return p.DurationMonths
}
