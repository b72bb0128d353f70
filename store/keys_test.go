package store

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewUploadKey(t *testing.T) {
	now := time.Now().UTC()
	key := NewUploadKey("Holiday Movie.MP4")

	require.True(t, strings.HasPrefix(key, fmt.Sprintf("uploads/%04d/%02d/", now.Year(), int(now.Month()))))
	require.True(t, strings.HasSuffix(key, ".mp4"), "extension should be lowercased: %s", key)

	// Two keys for the same filename never collide.
	require.NotEqual(t, key, NewUploadKey("Holiday Movie.MP4"))
}

func TestNewUploadKeyNoExtension(t *testing.T) {
	key := NewUploadKey("README")
	require.True(t, strings.HasPrefix(key, "uploads/"))
	require.False(t, strings.Contains(key, "."))
}

func TestVariantKey(t *testing.T) {
	require.Equal(t, "transcoded/42/Holiday_Movie_720p.mp4", VariantKey(42, "Holiday Movie.mkv", 720))
	require.Equal(t, "transcoded/7/video_480p.mp4", VariantKey(7, ".mkv", 480))
	require.Equal(t, "transcoded/7/video_1080p.mp4", VariantKey(7, "", 1080))
}

func TestIsUploadKey(t *testing.T) {
	require.True(t, IsUploadKey("uploads/2026/08/abc.mp4"))
	require.False(t, IsUploadKey("uploads/"))
	require.False(t, IsUploadKey("transcoded/1/video_480p.mp4"))
	require.False(t, IsUploadKey("../uploads/x"))
}

func TestCopyChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("nebula"), 1000)
	var dst bytes.Buffer
	n, err := CopyChunks(&dst, bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.Equal(t, payload, dst.Bytes())
}
