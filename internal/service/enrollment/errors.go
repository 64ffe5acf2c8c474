package enrollment

import "errors"

// Sentinel errors for the enrollment service layer.
var (
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
)
