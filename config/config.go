package config

import (
	"math/rand"
	"time"
)

var Version = "unknown"

const (
	// Chunk size for streaming object reads. Tuned for throughput, not latency.
	StreamChunkSize = 8 * 1024 * 1024

	// Wall-clock cap for a single transcoding job.
	DefaultJobTimeout = 4 * time.Hour

	// Grace period between SIGTERM and SIGKILL when stopping an encoder.
	EncoderTermGrace = 5 * time.Second

	// An upload that makes no progress for this long is cut off so a stalled
	// client cannot pin a handler goroutine and its spool file.
	UploadIdleTimeout = 60 * time.Second

	ListPageLimit = 100
)

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomTrailer generates request and job scope IDs for logging.
func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}
