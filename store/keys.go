package store

import (
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nebula-cloud/nebula/config"
)

// Object keys are opaque once minted; only these two prefixes are ever
// written and keys are never parsed to recover filesystem semantics.
const (
	UploadPrefix     = "uploads/"
	TranscodedPrefix = "transcoded/"
)

// NewUploadKey mints a key of the form uploads/YYYY/MM/<uuid><ext> for an
// original upload. Only the extension of the display filename survives.
func NewUploadKey(filename string) string {
	now := time.Now().UTC()
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("%s%04d/%02d/%s%s", UploadPrefix, now.Year(), int(now.Month()), uuid.New().String(), ext)
}

// VariantKey mints the key for a transcoded derivative:
// transcoded/<file_id>/<basename>_<height>p.mp4.
func VariantKey(fileID int64, filename string, quality int) string {
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	base = strings.ReplaceAll(base, " ", "_")
	if base == "" || base == "." {
		base = "video"
	}
	return fmt.Sprintf("%s%d/%s_%dp.mp4", TranscodedPrefix, fileID, base, quality)
}

// IsUploadKey reports whether key lives under the originals prefix. Presign
// completion only accepts keys minted by NewUploadKey.
func IsUploadKey(key string) bool {
	return strings.HasPrefix(key, UploadPrefix) && len(key) > len(UploadPrefix)
}

var copyBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, config.StreamChunkSize)
		return &buf
	},
}

// CopyChunks copies src to dst using pooled chunk-size buffers, so streaming
// an object never buffers more than one chunk.
func CopyChunks(dst io.Writer, src io.Reader) (int64, error) {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	return io.CopyBuffer(dst, src, *bufp)
}
