package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nebula-cloud/nebula/log"
	"github.com/xeipuuv/gojsonschema"
)

// Error taxonomy. Callers wrap these with %w and HTTP handlers translate them
// to status codes; the raw upstream detail stays attached for logging only.
var (
	// Catalog or object-store lookup miss.
	ErrNotFound = errors.New("not found")
	// Unique constraint or state-machine CAS failure.
	ErrConflict = errors.New("conflict")
	// Bad input: unknown quality, non-video file, invalid range, bad key prefix.
	ErrValidation = errors.New("validation failed")
	// Range start beyond the end of the object.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	// Object-store or broker I/O failure after retries.
	ErrUpstream = errors.New("upstream failure")
)

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

func Validation(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func Upstream(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstream)...)
}

type apiError struct {
	Detail string `json:"detail"`
	Status int    `json:"-"`
	Err    error  `json:"-"`
}

func writeHTTPError(w http.ResponseWriter, detail string, status int, err error) apiError {
	if err != nil {
		log.LogNoID("http error", "status", status, "detail", detail, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"detail": detail}); encErr != nil {
		log.LogNoID("error writing HTTP error", "http_error_detail", detail, "error", encErr)
	}
	return apiError{detail, status, err}
}

func WriteHTTPBadRequest(w http.ResponseWriter, detail string, err error) apiError {
	return writeHTTPError(w, detail, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, detail string, err error) apiError {
	return writeHTTPError(w, detail, http.StatusNotFound, err)
}

func WriteHTTPConflict(w http.ResponseWriter, detail string, err error) apiError {
	return writeHTTPError(w, detail, http.StatusConflict, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, detail string, err error) apiError {
	return writeHTTPError(w, detail, http.StatusUnsupportedMediaType, err)
}

// WriteHTTPRangeNotSatisfiable emits a 416 with the mandatory Content-Range
// header carrying the object's size.
func WriteHTTPRangeNotSatisfiable(w http.ResponseWriter, size int64, err error) apiError {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	return writeHTTPError(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable, err)
}

func WriteHTTPBadGateway(w http.ResponseWriter, detail string, err error) apiError {
	return writeHTTPError(w, detail, http.StatusBadGateway, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, detail string, err error) apiError {
	return writeHTTPError(w, detail, http.StatusInternalServerError, err)
}

// WriteHTTPForError maps a taxonomy error to the right status code. Unknown
// errors become a 500 with a generic detail so internals never leak.
func WriteHTTPForError(w http.ResponseWriter, detail string, err error) apiError {
	switch {
	case errors.Is(err, ErrNotFound):
		return WriteHTTPNotFound(w, detail, err)
	case errors.Is(err, ErrConflict):
		return WriteHTTPConflict(w, detail, err)
	case errors.Is(err, ErrValidation):
		return WriteHTTPBadRequest(w, detail, err)
	case errors.Is(err, ErrUpstream):
		return WriteHTTPBadGateway(w, detail, err)
	default:
		return WriteHTTPInternalServerError(w, detail, err)
	}
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errs []gojsonschema.ResultError) apiError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errs); i++ {
		sb.WriteString(errs[i].String())
		sb.WriteString(" ")
	}
	return writeHTTPError(w, sb.String(), http.StatusBadRequest, nil)
}
