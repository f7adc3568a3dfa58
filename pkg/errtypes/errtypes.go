// Package errtypes provides a small taxonomy of domain errors for the
// upload pipeline. Handlers type-switch on these instead of comparing
// sentinel values, the same shape reva's pkg/errtypes uses for
// errtypes.NotFound / errtypes.IsNotFound.
package errtypes

// Unauthorized is returned by the auth adapter when a bearer token is
// missing, malformed or fails verification.
type Unauthorized string

func (e Unauthorized) Error() string { return string(e) }

// IsUnauthorized reports whether err is an Unauthorized error.
func IsUnauthorized(err error) bool {
	_, ok := err.(Unauthorized)
	return ok
}

// SessionNotFound is returned by the session store when an upload-id is
// unknown. The protocol handler answers an owner mismatch with the same
// 404 status.
type SessionNotFound string

func (e SessionNotFound) Error() string { return string(e) }

// IsSessionNotFound reports whether err is a SessionNotFound error.
func IsSessionNotFound(err error) bool {
	_, ok := err.(SessionNotFound)
	return ok
}

// RangeMismatch is returned by the storage contract when an append's
// declared offset does not match the bytes already received.
type RangeMismatch struct {
	Reason         string
	CurrentOffset  uint64
}

func (e RangeMismatch) Error() string { return e.Reason }

// IsRangeMismatch reports whether err is a RangeMismatch error.
func IsRangeMismatch(err error) bool {
	_, ok := err.(RangeMismatch)
	return ok
}

// InvalidMetadata is returned by the metadata model when a field fails
// validation or the two encodings (JSON / headers) disagree.
type InvalidMetadata struct {
	Field  string
	Reason string
}

func (e InvalidMetadata) Error() string { return e.Field + ": " + e.Reason }

// IsInvalidMetadata reports whether err is an InvalidMetadata error.
func IsInvalidMetadata(err error) bool {
	_, ok := err.(InvalidMetadata)
	return ok
}

// PayloadTooLarge is returned when a declared upload size exceeds the
// configured measurement payload limit.
type PayloadTooLarge string

func (e PayloadTooLarge) Error() string { return string(e) }

// IsPayloadTooLarge reports whether err is a PayloadTooLarge error.
func IsPayloadTooLarge(err error) bool {
	_, ok := err.(PayloadTooLarge)
	return ok
}

// MissingLocations is returned when a measurement declares
// locationCount == 0 but the protocol requires at least the start/end pair.
type MissingLocations string

func (e MissingLocations) Error() string { return string(e) }

// IsMissingLocations reports whether err is a MissingLocations error.
func IsMissingLocations(err error) bool {
	_, ok := err.(MissingLocations)
	return ok
}

// BackendTransient marks a storage-backend failure the caller may retry
// (disk or network hiccup); the upload handler retries a Finalize that
// fails with it once internally.
type BackendTransient struct {
	Op  string
	Err error
}

func (e BackendTransient) Error() string { return e.Op + ": " + e.Err.Error() }
func (e BackendTransient) Unwrap() error { return e.Err }

// IsBackendTransient reports whether err is a BackendTransient error.
func IsBackendTransient(err error) bool {
	_, ok := err.(BackendTransient)
	return ok
}

// BackendPermanent marks a storage-backend failure that moves the owning
// session to Aborted; the client must restart the upload.
type BackendPermanent struct {
	Op  string
	Err error
}

func (e BackendPermanent) Error() string { return e.Op + ": " + e.Err.Error() }
func (e BackendPermanent) Unwrap() error { return e.Err }

// IsBackendPermanent reports whether err is a BackendPermanent error.
func IsBackendPermanent(err error) bool {
	_, ok := err.(BackendPermanent)
	return ok
}

// ClientDisconnect marks a transport-level cancellation mid-chunk; it is
// never written to the wire since the client is already gone.
type ClientDisconnect string

func (e ClientDisconnect) Error() string { return string(e) }

// IsClientDisconnect reports whether err is a ClientDisconnect error.
func IsClientDisconnect(err error) bool {
	_, ok := err.(ClientDisconnect)
	return ok
}

// Overflow is returned by the storage contract when an append would write
// past the declared total size.
type Overflow string

func (e Overflow) Error() string { return string(e) }

// IsOverflow reports whether err is an Overflow error.
func IsOverflow(err error) bool {
	_, ok := err.(Overflow)
	return ok
}
