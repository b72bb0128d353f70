package log

import (
	"net/url"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

// Loggers are cached per scope ID (an HTTP request ID or a transcoding job ID)
// so that context attached early in a request or job shows up on every later
// line for the same scope.
var loggerCache *cache.Cache

const defaultLoggerCacheExpiry = 2 * time.Hour

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// AddContext permanently attaches key/value pairs to the logger for the given
// scope ID. Any future logging for this ID will include them.
func AddContext(id string, keyvals ...interface{}) {
	_ = loggerCache.Add(id, kitlog.With(getLogger(id), keyvals...), defaultLoggerCacheExpiry)
}

func Log(id string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(id), "msg", message).Log(keyvals...)
}

func LogError(id string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(id), "msg", message)
	_ = kitlog.With(msgLogger, "err", err.Error()).Log(keyvals...)
}

// LogNoID logs in situations where no request or job scope exists, e.g.
// process startup. Use sparingly and put as much context as possible in the
// message itself.
func LogNoID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(keyvals...)
}

func getLogger(id string) kitlog.Logger {
	logger, found := loggerCache.Get(id)
	if found {
		return logger.(kitlog.Logger)
	}

	scoped := kitlog.With(newLogger(), "id", id)
	if err := loggerCache.Add(id, scoped, defaultLoggerCacheExpiry); err != nil {
		_ = scoped.Log("msg", "error adding logger to cache", "id", id)
	}
	return scoped
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

// NewLogger returns an unscoped logger for components that do their own
// contextualization, like the HTTP request middleware.
func NewLogger() kitlog.Logger {
	return newLogger()
}

// RedactURL strips query parameters from a URL before logging. Presigned URLs
// carry credentials in the query string.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "REDACTED"
	}
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	return u.String()
}
