package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 1000
	tests := []struct {
		header string
		start  int64
		end    int64
	}{
		{"bytes=0-0", 0, 0},
		{"bytes=0-499", 0, 499},
		{"bytes=500-", 500, 999},
		{"bytes=500-2000", 500, 999}, // end clamped
		{"bytes=-200", 800, 999},     // suffix
		{"bytes=-2000", 0, 999},      // suffix larger than object
	}
	for _, tt := range tests {
		rng, err := parseRange(tt.header, size)
		require.NoError(t, err, tt.header)
		require.Equal(t, tt.start, rng.start, tt.header)
		require.Equal(t, tt.end, rng.end, tt.header)
	}
}

func TestParseRangeErrors(t *testing.T) {
	notSatisfiable := []string{"bytes=1000-", "bytes=1000-1200", "bytes=5000-"}
	for _, header := range notSatisfiable {
		_, err := parseRange(header, 1000)
		require.ErrorIs(t, err, errors.ErrRangeNotSatisfiable, header)
	}

	malformed := []string{"chunks=0-1", "bytes=a-b", "bytes=-", "bytes=10", "bytes=0-1,5-6", "bytes=5-2", "bytes=-0"}
	for _, header := range malformed {
		_, err := parseRange(header, 1000)
		require.ErrorIs(t, err, errors.ErrValidation, header)
	}
}

func streamFixture(t *testing.T) (*NebulaAPIHandlersCollection, *catalog.File) {
	d, cat, st, _ := newTestCollection()
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	st.objects["uploads/2026/08/abc.mp4"] = payload
	st.contentTypes["uploads/2026/08/abc.mp4"] = "video/mp4"
	file := cat.addFile(&catalog.File{
		Filename:  "movie.mp4",
		ObjectKey: "uploads/2026/08/abc.mp4",
		Size:      1000,
		MimeType:  "video/mp4",
	})
	return d, file
}

func doStream(d *NebulaAPIHandlersCollection, target, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	d.Stream()(rec, req, httprouter.Params{{Key: "id", Value: "1"}})
	return rec
}

func TestStreamFullBody(t *testing.T) {
	d, _ := streamFixture(t)
	rec := doStream(d, "/api/files/1/stream", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", rec.Header().Get("Content-Length"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.Equal(t, 1000, rec.Body.Len())
}

func TestStreamRanges(t *testing.T) {
	tests := []struct {
		header       string
		contentRange string
		length       int
		first        byte
	}{
		{"bytes=0-0", "bytes 0-0/1000", 1, 0},
		{"bytes=500-", "bytes 500-999/1000", 500, byte(500 % 251)},
		{"bytes=200-299", "bytes 200-299/1000", 100, byte(200 % 251)},
		{"bytes=-100", "bytes 900-999/1000", 100, byte(900 % 251)},
		{"bytes=500-5000", "bytes 500-999/1000", 500, byte(500 % 251)},
	}
	for _, tt := range tests {
		d, _ := streamFixture(t)
		rec := doStream(d, "/api/files/1/stream", tt.header)

		require.Equal(t, http.StatusPartialContent, rec.Code, tt.header)
		require.Equal(t, tt.contentRange, rec.Header().Get("Content-Range"), tt.header)
		require.Equal(t, tt.length, rec.Body.Len(), tt.header)
		require.Equal(t, tt.first, rec.Body.Bytes()[0], tt.header)
	}
}

func TestStreamRangeNotSatisfiable(t *testing.T) {
	d, _ := streamFixture(t)
	rec := doStream(d, "/api/files/1/stream", "bytes=1000-")

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
}

func TestStreamMalformedRange(t *testing.T) {
	d, _ := streamFixture(t)
	rec := doStream(d, "/api/files/1/stream", "bytes=zz-")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamRangeOpenFailureHasNoContentRange(t *testing.T) {
	d, file := streamFixture(t)
	st := d.Store.(*fakeStore)
	delete(st.objects, file.ObjectKey)

	rec := doStream(d, "/api/files/1/stream", "bytes=0-99")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, rec.Header().Get("Content-Range"))
	require.Empty(t, rec.Header().Get("Accept-Ranges"))
}

func TestStreamMissingFile(t *testing.T) {
	d, _, _, _ := newTestCollection()
	rec := doStream(d, "/api/files/1/stream", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamVariantQuality(t *testing.T) {
	d, file := streamFixture(t)
	st := d.Store.(*fakeStore)
	st.objects["transcoded/1/movie_480p.mp4"] = make([]byte, 400)
	file.TranscodedVariants = map[string]string{"480": "transcoded/1/movie_480p.mp4"}

	rec := doStream(d, "/api/files/1/stream?quality=480", "")
	require.Equal(t, http.StatusOK, rec.Code)
	// Variant size comes from the store, not the original's row.
	require.Equal(t, "400", rec.Header().Get("Content-Length"))
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
}

func TestStreamUnknownVariantQuality(t *testing.T) {
	d, _ := streamFixture(t)
	rec := doStream(d, "/api/files/1/stream?quality=1080", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadSetsDisposition(t *testing.T) {
	d, _ := streamFixture(t)
	req := httptest.NewRequest("GET", "/api/files/1/download", nil)
	rec := httptest.NewRecorder()
	d.Download()(rec, req, httprouter.Params{{Key: "id", Value: "1"}})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `attachment; filename="movie.mp4"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, 1000, rec.Body.Len())
}
