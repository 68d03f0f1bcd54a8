package engine

import "renderq/internal/domain"

// Refund computes the credits returned to the owner when a job terminates.
//
//	system/timeout  full refund; infrastructure failure is never billed
//	validation      floor(charged * (1 - percent/100))
//	canceled        floor(charged * (1 - percent/100) * 0.9), capped so at
//	                least 10% of charged stays retained
//
// The result always satisfies 0 <= refund <= charged.
func Refund(charged int64, progressPercent int, ft domain.FailureType) int64 {
	if charged <= 0 {
		return 0
	}
	if progressPercent < 0 {
		progressPercent = 0
	}
	if progressPercent > 100 {
		progressPercent = 100
	}
	remaining := int64(100 - progressPercent)

	switch ft {
	case domain.FailureTypeSystem, domain.FailureTypeTimeout:
		return charged
	case domain.FailureTypeValidation:
		return charged * remaining / 100
	case domain.FailureTypeCanceled:
		refund := charged * remaining * 9 / 1000
		if cap := charged * 9 / 10; refund > cap {
			refund = cap
		}
		return refund
	}
	return 0
}
