package metadata_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobile-measure/collector/pkg/metadata"
)

func validConfig() metadata.ValidationConfig {
	return metadata.ValidationConfig{RecognizedFormatVersions: map[int]bool{1: true, 2: true}}
}

func sampleJSON(deviceID string) []byte {
	return []byte(`{
		"deviceId": "` + deviceID + `",
		"measurementId": "42",
		"device": {"osVersion": "14.1", "deviceType": "phone"},
		"application": {"appVersion": "1.2.3", "formatVersion": 2},
		"measurement": {
			"length": "1200.5",
			"locationCount": "2",
			"startLocation": {"timestamp": 1000, "latitude": 1.0, "longitude": 2.0},
			"endLocation": {"timestamp": 2000, "latitude": 3.0, "longitude": 4.0},
			"modality": "bike"
		},
		"attachments": {"logCount": 1, "imageCount": 0, "videoCount": 0, "filesSize": 512}
	}`)
}

func TestParseJSON(t *testing.T) {
	id := uuid.New()
	md, err := metadata.ParseJSON(sampleJSON(id.String()))
	require.NoError(t, err)

	assert.Equal(t, id, md.DeviceID)
	assert.Equal(t, uint64(42), md.MeasurementID)
	assert.Equal(t, 2, md.Application.FormatVersion)
	assert.Equal(t, 1200.5, md.Measurement.Length)
	assert.Equal(t, uint64(2), md.Measurement.LocationCount)
	require.NotNil(t, md.Measurement.StartLocation)
	assert.Equal(t, 1.0, md.Measurement.StartLocation.Latitude)
	assert.Equal(t, uint64(512), md.Attachments.FilesSize)
}

func TestParseJSON_MalformedBody(t *testing.T) {
	_, err := metadata.ParseJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestParseJSON_InvalidDeviceID(t *testing.T) {
	_, err := metadata.ParseJSON(sampleJSON("not-a-uuid"))
	assert.Error(t, err)
}

func sampleHeaders(deviceID string) http.Header {
	h := http.Header{}
	h.Set("deviceId", deviceID)
	h.Set("measurementId", "42")
	h.Set("osVersion", "14.1")
	h.Set("deviceType", "phone")
	h.Set("appVersion", "1.2.3")
	h.Set("formatVersion", "2")
	h.Set("length", "1200.5")
	h.Set("locationCount", "2")
	h.Set("modality", "bike")
	h.Set("startLocTS", "1000")
	h.Set("startLocLat", "1.0")
	h.Set("startLocLon", "2.0")
	h.Set("endLocTS", "2000")
	h.Set("endLocLat", "3.0")
	h.Set("endLocLon", "4.0")
	h.Set("logCount", "1")
	h.Set("filesSize", "512")
	return h
}

func TestParseHeaders_MatchesJSON(t *testing.T) {
	id := uuid.New()
	fromJSON, err := metadata.ParseJSON(sampleJSON(id.String()))
	require.NoError(t, err)

	fromHeaders, err := metadata.ParseHeaders(sampleHeaders(id.String()))
	require.NoError(t, err)

	assert.True(t, fromJSON.Equal(fromHeaders), "JSON and header codecs diverged: %+v vs %+v", fromJSON, fromHeaders)
}

func TestParseHeaders_MissingRequiredField(t *testing.T) {
	h := sampleHeaders(uuid.New().String())
	h.Del("deviceId")
	_, err := metadata.ParseHeaders(h)
	assert.Error(t, err)
}

func TestValidate_ZeroLocationCountRequiresNoLocations(t *testing.T) {
	md, err := metadata.ParseJSON(sampleJSON(uuid.New().String()))
	require.NoError(t, err)

	md.Measurement.LocationCount = 0
	err = md.Validate(validConfig())
	assert.Error(t, err, "locationCount 0 with start/end locations present must be rejected")
}

func TestValidate_UnrecognizedFormatVersion(t *testing.T) {
	md, err := metadata.ParseJSON(sampleJSON(uuid.New().String()))
	require.NoError(t, err)

	md.Application.FormatVersion = 99
	assert.Error(t, md.Validate(validConfig()))
}

func TestValidate_OutOfBoundsLatitude(t *testing.T) {
	md, err := metadata.ParseJSON(sampleJSON(uuid.New().String()))
	require.NoError(t, err)

	md.Measurement.StartLocation.Latitude = 200
	assert.Error(t, md.Validate(validConfig()))
}

func TestValidate_OK(t *testing.T) {
	md, err := metadata.ParseJSON(sampleJSON(uuid.New().String()))
	require.NoError(t, err)
	assert.NoError(t, md.Validate(validConfig()))
}

func TestEqual_DivergesOnModality(t *testing.T) {
	a, err := metadata.ParseJSON(sampleJSON(uuid.New().String()))
	require.NoError(t, err)
	b := a
	b.Measurement.Modality = "walk"
	assert.False(t, a.Equal(b))
}
