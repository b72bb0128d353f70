package video

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresetTable(t *testing.T) {
	require.Equal(t, []int{480, 720, 1080}, ValidQualities())

	p480, ok := PresetFor(480)
	require.True(t, ok)
	require.Equal(t, Preset{Height: 480, Width: 854, VideoBitrateKbps: 1000, AudioBitrateKbps: 128, AudioSampleRate: 44100}, p480)

	p720, ok := PresetFor(720)
	require.True(t, ok)
	require.Equal(t, Preset{Height: 720, Width: 1280, VideoBitrateKbps: 2500, AudioBitrateKbps: 192, AudioSampleRate: 44100}, p720)

	p1080, ok := PresetFor(1080)
	require.True(t, ok)
	require.Equal(t, Preset{Height: 1080, Width: 1920, VideoBitrateKbps: 5000, AudioBitrateKbps: 256, AudioSampleRate: 44100}, p1080)

	_, ok = PresetFor(360)
	require.False(t, ok)
}

func TestPresetDerivedValues(t *testing.T) {
	p, _ := PresetFor(720)
	require.Equal(t, "2500k", p.videoBitrate())
	require.Equal(t, "5000k", p.bufSize())
	require.Equal(t, "192k", p.audioBitrate())
	require.Equal(t, "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2", p.scaleFilter())
}

func TestBuildArgs(t *testing.T) {
	p, _ := PresetFor(480)
	args := buildArgs("/tmp/in.mkv", "/tmp/out.mp4", p)
	joined := strings.Join(args, " ")

	require.Contains(t, joined, "-i /tmp/in.mkv")
	require.Contains(t, joined, "/tmp/out.mp4")
	require.Contains(t, joined, "-progress pipe:1")
	require.Contains(t, joined, "-nostats")
	require.Contains(t, joined, "-y")
	require.Contains(t, joined, "libx264")
	require.Contains(t, joined, "-crf 23")
	require.Contains(t, joined, "-preset medium")
	require.Contains(t, joined, "-b:v 1000k")
	require.Contains(t, joined, "-maxrate 1000k")
	require.Contains(t, joined, "-bufsize 2000k")
	require.Contains(t, joined, "-b:a 128k")
	require.Contains(t, joined, "-ar 44100")
	require.Contains(t, joined, "-movflags +faststart")
	require.Contains(t, joined, "force_original_aspect_ratio=decrease")
}
