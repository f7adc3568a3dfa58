package errtypes_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mobile-measure/collector/pkg/errtypes"
)

func TestIsPredicates(t *testing.T) {
	cases := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"Unauthorized", errtypes.Unauthorized("bad token"), errtypes.IsUnauthorized},
		{"SessionNotFound", errtypes.SessionNotFound("nope"), errtypes.IsSessionNotFound},
		{"RangeMismatch", errtypes.RangeMismatch{Reason: "off"}, errtypes.IsRangeMismatch},
		{"InvalidMetadata", errtypes.InvalidMetadata{Field: "x", Reason: "y"}, errtypes.IsInvalidMetadata},
		{"PayloadTooLarge", errtypes.PayloadTooLarge("too big"), errtypes.IsPayloadTooLarge},
		{"MissingLocations", errtypes.MissingLocations("none"), errtypes.IsMissingLocations},
		{"BackendTransient", errtypes.BackendTransient{Op: "append", Err: errors.New("disk")}, errtypes.IsBackendTransient},
		{"BackendPermanent", errtypes.BackendPermanent{Op: "finalize", Err: errors.New("corrupt")}, errtypes.IsBackendPermanent},
		{"ClientDisconnect", errtypes.ClientDisconnect("gone"), errtypes.IsClientDisconnect},
		{"Overflow", errtypes.Overflow("too much"), errtypes.IsOverflow},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.True(t, c.is(c.err))
		})
	}
}

func TestIsPredicates_RejectOtherKinds(t *testing.T) {
	assert.False(t, errtypes.IsUnauthorized(errtypes.SessionNotFound("x")))
	assert.False(t, errtypes.IsRangeMismatch(fmt.Errorf("plain error")))
}

func TestBackendTransient_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := errtypes.BackendTransient{Op: "append", Err: inner}
	assert.Same(t, inner, errors.Unwrap(err))
	assert.True(t, errors.Is(err, inner))
}

func TestBackendPermanent_Unwrap(t *testing.T) {
	inner := errors.New("checksum mismatch")
	err := errtypes.BackendPermanent{Op: "finalize", Err: inner}
	assert.Same(t, inner, errors.Unwrap(err))
}
