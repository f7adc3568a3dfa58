// Package collector implements the upload protocol handler: pre-request,
// chunk PUT, and status PUT over a versioned `/measurements` base path.
//
// Mounted and routed the way reva's internal/http/services/owncloud/ocdav
// package is mounted against a chi router and its tus.go dispatches the
// resumable-upload HTTP flow; this package generalizes that same
// header-driven protocol to a fixed metadata header set instead of tus's
// generic Upload-Metadata header.
package collector

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mobile-measure/collector/pkg/errtypes"
)

// contentRange is the parsed form of a `Content-Range: bytes
// <from>-<to>/<total>` header, including the status-probe
// form `bytes */total`.
type contentRange struct {
	isStatusProbe bool
	from, to      uint64
	total         uint64
}

// parseContentRange parses the Content-Range header value used by both
// chunk-PUT and status-PUT.
func parseContentRange(v string) (contentRange, error) {
	const prefix = "bytes "
	if !strings.HasPrefix(v, prefix) {
		return contentRange{}, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "missing 'bytes ' prefix"}
	}
	v = v[len(prefix):]

	rangePart, totalPart, ok := strings.Cut(v, "/")
	if !ok {
		return contentRange{}, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "missing total"}
	}
	total, err := strconv.ParseUint(totalPart, 10, 64)
	if err != nil {
		return contentRange{}, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "total is not a number"}
	}

	if rangePart == "*" {
		return contentRange{isStatusProbe: true, total: total}, nil
	}

	fromPart, toPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return contentRange{}, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "missing '-' in range"}
	}
	from, err := strconv.ParseUint(fromPart, 10, 64)
	if err != nil {
		return contentRange{}, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "from is not a number"}
	}
	to, err := strconv.ParseUint(toPart, 10, 64)
	if err != nil {
		return contentRange{}, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "to is not a number"}
	}

	return contentRange{from: from, to: to, total: total}, nil
}

// setRangeHeader writes the `Range: bytes=0-<bytesReceived-1>` response
// header expected on a 308, omitting it entirely when bytesReceived is
// zero.
func setRangeHeader(w http.ResponseWriter, bytesReceived uint64) {
	if bytesReceived == 0 {
		return
	}
	w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", bytesReceived-1))
}
