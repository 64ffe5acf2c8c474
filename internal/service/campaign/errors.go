package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotEditable       = errors.New("campaign cannot be modified in its current status")
	ErrNoSteps           = errors.New("campaign has no active steps")
	ErrValidation        = errors.New("validation failed")
)
