package collector

import (
	"net/http"

	"github.com/mobile-measure/collector/pkg/errtypes"
)

// statusFor centralizes the error-kind-to-HTTP-status mapping, the same
// way reva's ocdav handlers funnel CS3 rpc.Code values through one
// status-mapping helper instead of repeating a switch at every call site.
func statusFor(err error) int {
	switch {
	case errtypes.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errtypes.IsSessionNotFound(err):
		return http.StatusNotFound
	case errtypes.IsInvalidMetadata(err):
		return http.StatusUnprocessableEntity
	case errtypes.IsPayloadTooLarge(err):
		return http.StatusUnprocessableEntity
	case errtypes.IsMissingLocations(err):
		return http.StatusPreconditionFailed
	case errtypes.IsBackendTransient(err), errtypes.IsBackendPermanent(err):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
