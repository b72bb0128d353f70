package handlers

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/nebula-cloud/nebula/catalog"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
	"github.com/nebula-cloud/nebula/metrics"
	"github.com/nebula-cloud/nebula/store"
)

// byteRange is a resolved, inclusive byte range within an object of known size.
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange resolves a Range header against the object size. A missing start
// means 0, a missing end means size-1, and bytes=-K means the final K bytes.
// Ends past the object are clamped; a start at or past the end is
// ErrRangeNotSatisfiable and malformed headers are ErrValidation.
func parseRange(header string, size int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return byteRange{}, errors.Validation("range %q does not use bytes unit", header)
	}
	if strings.Contains(spec, ",") {
		return byteRange{}, errors.Validation("multiple ranges are not supported")
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, errors.Validation("malformed range %q", header)
	}

	if startStr == "" {
		// Suffix form: the final K bytes.
		if endStr == "" {
			return byteRange{}, errors.Validation("malformed range %q", header)
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return byteRange{}, errors.Validation("malformed range %q", header)
		}
		if suffix > size {
			suffix = size
		}
		if size == 0 {
			return byteRange{}, fmt.Errorf("empty object has no bytes: %w", errors.ErrRangeNotSatisfiable)
		}
		return byteRange{start: size - suffix, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errors.Validation("malformed range %q", header)
	}
	if start >= size {
		return byteRange{}, fmt.Errorf("range start %d beyond size %d: %w", start, size, errors.ErrRangeNotSatisfiable)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, errors.Validation("malformed range %q", header)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return byteRange{start: start, end: end}, nil
}

// resolveSource picks the object to stream: the original, or a published
// variant when ?quality= names one. Variant sizes come from the store since
// only the original's size lives on the file row.
func (d *NebulaAPIHandlersCollection) resolveSource(req *http.Request, file *catalog.File) (key string, size int64, contentType string, err error) {
	rawQuality := req.URL.Query().Get("quality")
	if rawQuality == "" {
		return file.ObjectKey, file.Size, file.MimeType, nil
	}
	quality, convErr := strconv.Atoi(rawQuality)
	if convErr != nil {
		return "", 0, "", errors.Validation("quality %q is not an integer", rawQuality)
	}
	key, ok := file.VariantKey(quality)
	if !ok {
		return "", 0, "", errors.NotFound("no %dp variant for file %d", quality, file.ID)
	}
	info, err := d.Store.Stat(req.Context(), key)
	if err != nil {
		return "", 0, "", err
	}
	return key, info.Size, "video/mp4", nil
}

// Stream serves an object with HTTP range support: 200 for full-body reads,
// 206 for a satisfiable range, 416 with Content-Range: bytes */size when the
// range starts past the end.
func (d *NebulaAPIHandlersCollection) Stream() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id, err := pathID(params, "id")
		if err != nil {
			countStream(errors.WriteHTTPBadRequest(w, "Invalid file id", err).Status)
			return
		}
		file, err := d.Catalog.GetFile(req.Context(), id)
		if err != nil {
			countStream(errors.WriteHTTPForError(w, "Cannot load file", err).Status)
			return
		}
		key, size, contentType, err := d.resolveSource(req, file)
		if err != nil {
			countStream(errors.WriteHTTPForError(w, "Cannot resolve stream source", err).Status)
			return
		}

		rangeHeader := req.Header.Get("Range")
		if rangeHeader == "" {
			d.serveObject(w, req, key, byteRange{start: 0, end: size - 1}, size, contentType, http.StatusOK)
			return
		}

		rng, err := parseRange(rangeHeader, size)
		if err != nil {
			if stderrors.Is(err, errors.ErrRangeNotSatisfiable) {
				countStream(errors.WriteHTTPRangeNotSatisfiable(w, size, err).Status)
				return
			}
			countStream(errors.WriteHTTPForError(w, "Invalid range", err).Status)
			return
		}
		d.serveObject(w, req, key, rng, size, contentType, http.StatusPartialContent)
	}
}

// Download serves the full original with an attachment disposition.
func (d *NebulaAPIHandlersCollection) Download() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id, err := pathID(params, "id")
		if err != nil {
			countStream(errors.WriteHTTPBadRequest(w, "Invalid file id", err).Status)
			return
		}
		file, err := d.Catalog.GetFile(req.Context(), id)
		if err != nil {
			countStream(errors.WriteHTTPForError(w, "Cannot load file", err).Status)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
		d.serveObject(w, req, file.ObjectKey, byteRange{start: 0, end: file.Size - 1}, file.Size, file.MimeType, http.StatusOK)
	}
}

// serveObject writes headers, then streams exactly the requested range. Once
// the first byte is written the status is committed, so the store read is
// opened before WriteHeader.
func (d *NebulaAPIHandlersCollection) serveObject(w http.ResponseWriter, req *http.Request, key string, rng byteRange, size int64, contentType string, status int) {
	length := rng.length()
	if size == 0 {
		length = 0
	}

	var (
		rc  io.ReadCloser
		err error
	)
	if status == http.StatusPartialContent {
		rc, err = d.Store.GetRange(req.Context(), key, rng.start, length)
	} else {
		rc, err = d.Store.Get(req.Context(), key)
	}
	if err != nil {
		countStream(errors.WriteHTTPForError(w, "Cannot open object", err).Status)
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// Headers only after the read opened: an error response must not carry
	// success-shaped range headers.
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, size))
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(status)
	countStream(status)

	written, err := store.CopyChunks(w, rc)
	metrics.Metrics.StreamedBytes.Add(float64(written))
	if err != nil {
		// Usually the client going away mid-stream; the status is already on
		// the wire so all we can do is log.
		log.LogNoID("stream aborted", "object_key", key, "written", written, "err", err)
	}
}

func countStream(status int) {
	metrics.Metrics.StreamRequestCount.WithLabelValues(strconv.Itoa(status)).Inc()
}
