package video

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=100",
		"out_time_us=1500000",
		"progress=continue",
		"out_time_us=4000000",
		"out_time_us=-9223372036854775808", // ffmpeg emits this before the first frame
		"garbage line",
		"progress=end",
	}, "\n")

	out := make(chan float64, 16)
	parseProgress(strings.NewReader(input), out)
	close(out)

	var got []float64
	for v := range out {
		got = append(got, v)
	}
	require.Equal(t, []float64{1.5, 4.0}, got)
}

func TestParseProgressMillisecondsFieldIsMicroseconds(t *testing.T) {
	// out_time_ms carries microseconds despite the name.
	out := make(chan float64, 1)
	parseProgress(strings.NewReader("out_time_ms=2000000\n"), out)
	close(out)
	require.Equal(t, 2.0, <-out)
}

func TestParseFps(t *testing.T) {
	fps, err := parseFps("30000/1001")
	require.NoError(t, err)
	require.InDelta(t, 29.97, fps, 0.01)

	fps, err = parseFps("25")
	require.NoError(t, err)
	require.Equal(t, 25.0, fps)

	fps, err = parseFps("0/0")
	require.NoError(t, err)
	require.Equal(t, 0.0, fps)

	fps, err = parseFps("")
	require.NoError(t, err)
	require.Equal(t, 0.0, fps)

	_, err = parseFps("abc")
	require.Error(t, err)
}
