package automation

import "github.com/liyaqa/drip-engine/internal/domain"

// SelectVariant returns the variant of base whose letter matches group, or
// base itself when the step is not an A/B test, the enrollment has no group,
// or no variant is configured for the group.
func SelectVariant(base domain.CampaignStep, variants []domain.CampaignStep, group *string) domain.CampaignStep {
	if !base.IsABTest || group == nil {
		return base
	}
	for _, v := range variants {
		if v.ABVariant == *group && v.StepNumber == base.StepNumber {
			return v
		}
	}
	return base
}
