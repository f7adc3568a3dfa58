package collector

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentRange_DataChunk(t *testing.T) {
	cr, err := parseContentRange("bytes 0-99/1000")
	require.NoError(t, err)
	assert.False(t, cr.isStatusProbe)
	assert.Equal(t, uint64(0), cr.from)
	assert.Equal(t, uint64(99), cr.to)
	assert.Equal(t, uint64(1000), cr.total)
}

func TestParseContentRange_StatusProbe(t *testing.T) {
	cr, err := parseContentRange("bytes */1000")
	require.NoError(t, err)
	assert.True(t, cr.isStatusProbe)
	assert.Equal(t, uint64(1000), cr.total)
}

func TestParseContentRange_MissingPrefix(t *testing.T) {
	_, err := parseContentRange("0-99/1000")
	assert.Error(t, err)
}

func TestParseContentRange_MissingTotal(t *testing.T) {
	_, err := parseContentRange("bytes 0-99")
	assert.Error(t, err)
}

func TestParseContentRange_NonNumericTotal(t *testing.T) {
	_, err := parseContentRange("bytes 0-99/abc")
	assert.Error(t, err)
}

func TestParseContentRange_MissingDash(t *testing.T) {
	_, err := parseContentRange("bytes 50/1000")
	assert.Error(t, err)
}

func TestParseContentRange_NonNumericFrom(t *testing.T) {
	_, err := parseContentRange("bytes a-99/1000")
	assert.Error(t, err)
}

func TestParseContentRange_NonNumericTo(t *testing.T) {
	_, err := parseContentRange("bytes 0-b/1000")
	assert.Error(t, err)
}

func TestSetRangeHeader_Zero(t *testing.T) {
	w := httptest.NewRecorder()
	setRangeHeader(w, 0)
	assert.Empty(t, w.Header().Get("Range"), "a zero-byte upload omits the Range header entirely")
}

func TestSetRangeHeader_NonZero(t *testing.T) {
	w := httptest.NewRecorder()
	setRangeHeader(w, 500)
	assert.Equal(t, "bytes=0-499", w.Header().Get("Range"))
}
