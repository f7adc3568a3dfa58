// Package metadata implements the typed measurement-metadata model: a
// single record describing one measurement upload, parseable from either
// the pre-request JSON body or the chunk-PUT header set, with both paths
// required to yield identical records.
package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/mobile-measure/collector/pkg/errtypes"
)

// GeoLocation is a single timestamped coordinate.
type GeoLocation struct {
	TimestampMS int64   `json:"timestamp"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Device describes the uploading hardware/software.
type Device struct {
	OSVersion  string `json:"osVersion"`
	DeviceType string `json:"deviceType"`
}

// Application describes the uploading client application.
type Application struct {
	AppVersion    string `json:"appVersion"`
	FormatVersion int    `json:"formatVersion"`
}

// Measurement describes the captured trip/measurement.
type Measurement struct {
	Length         float64      `json:"length"`
	LocationCount  uint64       `json:"locationCount"`
	StartLocation  *GeoLocation `json:"startLocation,omitempty"`
	EndLocation    *GeoLocation `json:"endLocation,omitempty"`
	Modality       string       `json:"modality"`
}

// Attachments describes optional ancillary files; all counts default to 0.
type Attachments struct {
	LogCount   uint64 `json:"logCount"`
	ImageCount uint64 `json:"imageCount"`
	VideoCount uint64 `json:"videoCount"`
	FilesSize  uint64 `json:"filesSize"`
}

// Metadata is the fully typed record produced by either codec.
type Metadata struct {
	DeviceID      uuid.UUID   `json:"deviceId"`
	MeasurementID uint64      `json:"measurementId"`
	Device        Device      `json:"device"`
	Application   Application `json:"application"`
	Measurement   Measurement `json:"measurement"`
	Attachments   Attachments `json:"attachments"`
}

// ValidationConfig carries the server-configured facts validation needs
// (the set of recognized format versions and modality tags), so pkg/metadata
// does not import pkg/config.
type ValidationConfig struct {
	RecognizedFormatVersions map[int]bool
	RecognizedModalities     map[string]bool
}

// wireDoc is the JSON shape of the pre-request body.
type wireDoc struct {
	DeviceID    string `json:"deviceId"`
	Device      Device `json:"device"`
	Application struct {
		AppVersion    string `json:"appVersion"`
		FormatVersion int    `json:"formatVersion"`
	} `json:"application"`
	Measurement struct {
		Length        string       `json:"length"`
		LocationCount string       `json:"locationCount"`
		StartLocation *GeoLocation `json:"startLocation,omitempty"`
		EndLocation   *GeoLocation `json:"endLocation,omitempty"`
		Modality      string       `json:"modality"`
	} `json:"measurement"`
	MeasurementID string       `json:"measurementId"`
	Attachments   *Attachments `json:"attachments,omitempty"`
}

// ParseJSON decodes the pre-request body into a Metadata record. Numeric
// fields that travel as strings on the header path (length, locationCount,
// measurementId) are accepted as either JSON numbers or strings here too,
// so a client that round-trips header values through JSON is not rejected.
func ParseJSON(body []byte) (Metadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Metadata{}, errtypes.InvalidMetadata{Field: "body", Reason: "not valid JSON: " + err.Error()}
	}

	m := Metadata{}

	deviceID, err := stringField(raw, "deviceId")
	if err != nil {
		return Metadata{}, err
	}
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return Metadata{}, errtypes.InvalidMetadata{Field: "deviceId", Reason: "not a valid UUID"}
	}
	m.DeviceID = id

	measurementID, err := numericField(raw, "measurementId")
	if err != nil {
		return Metadata{}, err
	}
	m.MeasurementID = measurementID

	var device Device
	if v, ok := raw["device"]; ok {
		if err := json.Unmarshal(v, &device); err != nil {
			return Metadata{}, errtypes.InvalidMetadata{Field: "device", Reason: "malformed"}
		}
	}
	m.Device = device

	var app struct {
		AppVersion    string      `json:"appVersion"`
		FormatVersion json.Number `json:"formatVersion"`
	}
	if v, ok := raw["application"]; ok {
		if err := json.Unmarshal(v, &app); err != nil {
			return Metadata{}, errtypes.InvalidMetadata{Field: "application", Reason: "malformed"}
		}
	}
	fv, err := app.FormatVersion.Int64()
	if err != nil {
		return Metadata{}, errtypes.InvalidMetadata{Field: "formatVersion", Reason: "not an integer"}
	}
	m.Application = Application{AppVersion: app.AppVersion, FormatVersion: int(fv)}

	var meas struct {
		Length        json.Number  `json:"length"`
		LocationCount json.Number  `json:"locationCount"`
		StartLocation *GeoLocation `json:"startLocation,omitempty"`
		EndLocation   *GeoLocation `json:"endLocation,omitempty"`
		Modality      string       `json:"modality"`
	}
	if v, ok := raw["measurement"]; ok {
		if err := json.Unmarshal(v, &meas); err != nil {
			return Metadata{}, errtypes.InvalidMetadata{Field: "measurement", Reason: "malformed"}
		}
	}
	length, err := meas.Length.Float64()
	if err != nil {
		return Metadata{}, errtypes.InvalidMetadata{Field: "length", Reason: "not a number"}
	}
	locCount, err := strconv.ParseUint(meas.LocationCount.String(), 10, 64)
	if err != nil {
		return Metadata{}, errtypes.InvalidMetadata{Field: "locationCount", Reason: "not a non-negative integer"}
	}
	m.Measurement = Measurement{
		Length:        length,
		LocationCount: locCount,
		StartLocation: meas.StartLocation,
		EndLocation:   meas.EndLocation,
		Modality:      meas.Modality,
	}

	if v, ok := raw["attachments"]; ok {
		var a Attachments
		if err := json.Unmarshal(v, &a); err != nil {
			return Metadata{}, errtypes.InvalidMetadata{Field: "attachments", Reason: "malformed"}
		}
		m.Attachments = a
	}

	return m, nil
}

func stringField(raw map[string]json.RawMessage, name string) (string, error) {
	v, ok := raw[name]
	if !ok {
		return "", errtypes.InvalidMetadata{Field: name, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", errtypes.InvalidMetadata{Field: name, Reason: "expected a string"}
	}
	return s, nil
}

func numericField(raw map[string]json.RawMessage, name string) (uint64, error) {
	v, ok := raw[name]
	if !ok {
		return 0, errtypes.InvalidMetadata{Field: name, Reason: "missing"}
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		var s string
		if err2 := json.Unmarshal(v, &s); err2 != nil {
			return 0, errtypes.InvalidMetadata{Field: name, Reason: "expected a number"}
		}
		n = json.Number(s)
	}
	u, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, errtypes.InvalidMetadata{Field: name, Reason: "not a non-negative integer"}
	}
	return u, nil
}

// headerNames is the flat header set ParseHeaders reads.
var headerNames = struct {
	DeviceType, AppVersion, StartLocLat, LocationCount, StartLocLon,
	Length, EndLocLon, DeviceID, EndLocTS, Modality, StartLocTS, EndLocLat,
	OSVersion, MeasurementID, FormatVersion,
	LogCount, ImageCount, VideoCount, FilesSize string
}{
	DeviceType: "deviceType", AppVersion: "appVersion", StartLocLat: "startLocLat",
	LocationCount: "locationCount", StartLocLon: "startLocLon", Length: "length",
	EndLocLon: "endLocLon", DeviceID: "deviceId", EndLocTS: "endLocTS",
	Modality: "modality", StartLocTS: "startLocTS", EndLocLat: "endLocLat",
	OSVersion: "osVersion", MeasurementID: "measurementId", FormatVersion: "formatVersion",
	LogCount: "logCount", ImageCount: "imageCount", VideoCount: "videoCount", FilesSize: "filesSize",
}

// headerGetter abstracts http.Header so tests can pass a plain map.
type headerGetter interface {
	Get(string) string
}

// ParseHeaders decodes the flat chunk-PUT header set into the same
// Metadata record type ParseJSON produces. Its per-field converters
// (parseUintHeader, parseFloatHeader, ...) are separate from ParseJSON's;
// the handler compares the two results with Equal.
func ParseHeaders(h headerGetter) (Metadata, error) {
	deviceID := h.Get(headerNames.DeviceID)
	if deviceID == "" {
		return Metadata{}, errtypes.InvalidMetadata{Field: headerNames.DeviceID, Reason: "missing"}
	}
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return Metadata{}, errtypes.InvalidMetadata{Field: headerNames.DeviceID, Reason: "not a valid UUID"}
	}

	measurementID, err := parseUintHeader(h, headerNames.MeasurementID)
	if err != nil {
		return Metadata{}, err
	}

	formatVersion, err := parseIntHeader(h, headerNames.FormatVersion)
	if err != nil {
		return Metadata{}, err
	}

	length, err := parseFloatHeader(h, headerNames.Length)
	if err != nil {
		return Metadata{}, err
	}

	locationCount, err := parseUintHeader(h, headerNames.LocationCount)
	if err != nil {
		return Metadata{}, err
	}

	m := Metadata{
		DeviceID:      id,
		MeasurementID: measurementID,
		Device: Device{
			OSVersion:  h.Get(headerNames.OSVersion),
			DeviceType: h.Get(headerNames.DeviceType),
		},
		Application: Application{
			AppVersion:    h.Get(headerNames.AppVersion),
			FormatVersion: formatVersion,
		},
		Measurement: Measurement{
			Length:        length,
			LocationCount: locationCount,
			Modality:      h.Get(headerNames.Modality),
		},
	}

	if locationCount > 0 {
		start, err := parseGeoLocation(h, headerNames.StartLocTS, headerNames.StartLocLat, headerNames.StartLocLon)
		if err != nil {
			return Metadata{}, err
		}
		end, err := parseGeoLocation(h, headerNames.EndLocTS, headerNames.EndLocLat, headerNames.EndLocLon)
		if err != nil {
			return Metadata{}, err
		}
		m.Measurement.StartLocation = &start
		m.Measurement.EndLocation = &end
	}

	m.Attachments = Attachments{}
	if v := h.Get(headerNames.LogCount); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			m.Attachments.LogCount = n
		}
	}
	if v := h.Get(headerNames.ImageCount); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			m.Attachments.ImageCount = n
		}
	}
	if v := h.Get(headerNames.VideoCount); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			m.Attachments.VideoCount = n
		}
	}
	if v := h.Get(headerNames.FilesSize); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			m.Attachments.FilesSize = n
		}
	}

	return m, nil
}

func parseGeoLocation(h headerGetter, tsField, latField, lonField string) (GeoLocation, error) {
	ts, err := parseInt64Header(h, tsField)
	if err != nil {
		return GeoLocation{}, err
	}
	lat, err := parseFloatHeader(h, latField)
	if err != nil {
		return GeoLocation{}, err
	}
	lon, err := parseFloatHeader(h, lonField)
	if err != nil {
		return GeoLocation{}, err
	}
	return GeoLocation{TimestampMS: ts, Latitude: lat, Longitude: lon}, nil
}

func parseUintHeader(h headerGetter, field string) (uint64, error) {
	v := h.Get(field)
	if v == "" {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: "missing"}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: fmt.Sprintf("not a non-negative integer: %q", v)}
	}
	return n, nil
}

func parseIntHeader(h headerGetter, field string) (int, error) {
	v := h.Get(field)
	if v == "" {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: "missing"}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

func parseInt64Header(h headerGetter, field string) (int64, error) {
	v := h.Get(field)
	if v == "" {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: "missing"}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

func parseFloatHeader(h headerGetter, field string) (float64, error) {
	v := h.Get(field)
	if v == "" {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: "missing"}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errtypes.InvalidMetadata{Field: field, Reason: fmt.Sprintf("not a number: %q", v)}
	}
	return n, nil
}

// Validate checks length, recognized format version and modality, and
// the zero-locationCount-iff-no-geo-locations invariant.
func (m Metadata) Validate(cfg ValidationConfig) error {
	if m.Measurement.Length < 0 {
		return errtypes.InvalidMetadata{Field: "length", Reason: "must be non-negative"}
	}
	if !cfg.RecognizedFormatVersions[m.Application.FormatVersion] {
		return errtypes.InvalidMetadata{Field: "formatVersion", Reason: fmt.Sprintf("unrecognized version %d", m.Application.FormatVersion)}
	}
	if m.Measurement.Modality == "" || (len(cfg.RecognizedModalities) > 0 && !cfg.RecognizedModalities[m.Measurement.Modality]) {
		return errtypes.InvalidMetadata{Field: "modality", Reason: fmt.Sprintf("unrecognized modality %q", m.Measurement.Modality)}
	}

	hasStart := m.Measurement.StartLocation != nil
	hasEnd := m.Measurement.EndLocation != nil
	if m.Measurement.LocationCount == 0 {
		if hasStart || hasEnd {
			return errtypes.InvalidMetadata{Field: "locationCount", Reason: "zero but start/end location present"}
		}
	} else {
		if !hasStart || !hasEnd {
			return errtypes.InvalidMetadata{Field: "locationCount", Reason: "positive but start/end location missing"}
		}
		if err := validateGeoLocation("startLocation", *m.Measurement.StartLocation); err != nil {
			return err
		}
		if err := validateGeoLocation("endLocation", *m.Measurement.EndLocation); err != nil {
			return err
		}
	}

	return nil
}

func validateGeoLocation(field string, g GeoLocation) error {
	if g.TimestampMS < 0 {
		return errtypes.InvalidMetadata{Field: field + ".timestamp", Reason: "must be non-negative"}
	}
	if g.Latitude < -90 || g.Latitude > 90 {
		return errtypes.InvalidMetadata{Field: field + ".latitude", Reason: "out of Earth bounds"}
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return errtypes.InvalidMetadata{Field: field + ".longitude", Reason: "out of Earth bounds"}
	}
	return nil
}

// Equal reports whether m and other are identical, used to check that a
// chunk PUT's header metadata matches the session's stored metadata.
// GeoLocation pointers compare by value.
func (m Metadata) Equal(other Metadata) bool {
	if m.DeviceID != other.DeviceID || m.MeasurementID != other.MeasurementID {
		return false
	}
	if m.Device != other.Device || m.Application != other.Application || m.Attachments != other.Attachments {
		return false
	}
	if m.Measurement.Length != other.Measurement.Length ||
		m.Measurement.LocationCount != other.Measurement.LocationCount ||
		m.Measurement.Modality != other.Measurement.Modality {
		return false
	}
	if !geoEqual(m.Measurement.StartLocation, other.Measurement.StartLocation) {
		return false
	}
	if !geoEqual(m.Measurement.EndLocation, other.Measurement.EndLocation) {
		return false
	}
	return true
}

func geoEqual(a, b *GeoLocation) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
