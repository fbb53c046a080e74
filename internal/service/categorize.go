package service

import (
	"context"
	"errors"

	"github.com/kjstillabower/radar-overlay-service/internal/circuitbreaker"
	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/storage"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the pipelineRunsTotal outcome label.
const (
	ErrorCategoryInvalidParameter ErrorCategory = "invalid_parameter"
	ErrorCategoryNoData           ErrorCategory = "no_data"
	ErrorCategoryDecode           ErrorCategory = "decode_failure"
	ErrorCategoryGeometry         ErrorCategory = "geometry_failure"
	ErrorCategoryNotFound         ErrorCategory = "object_not_found"
	ErrorCategoryAccessDenied     ErrorCategory = "access_denied"
	ErrorCategoryThrottled        ErrorCategory = "throttled"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryCanceled         ErrorCategory = "canceled"
	ErrorCategoryUpstream         ErrorCategory = "upstream"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. Specific storage causes are
// checked before the generic transport sentinel they also wrap.
func CategorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrInvalidParameter):
		return ErrorCategoryInvalidParameter
	case errors.Is(err, models.ErrNoDataAvailable):
		return ErrorCategoryNoData
	case errors.Is(err, models.ErrDecodeFailure):
		return ErrorCategoryDecode
	case errors.Is(err, models.ErrGeometryFailure):
		return ErrorCategoryGeometry
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, storage.ErrObjectNotFound):
		return ErrorCategoryNotFound
	case errors.Is(err, storage.ErrAccessDenied):
		return ErrorCategoryAccessDenied
	case errors.Is(err, storage.ErrThrottled):
		return ErrorCategoryThrottled
	case errors.Is(err, models.ErrTransportFailure):
		return ErrorCategoryUpstream
	default:
		return ErrorCategoryUnknown
	}
}
