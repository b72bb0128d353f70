package subprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTailRetainsLastBytes(t *testing.T) {
	tail := NewTail(10)
	tail.Write([]byte("0123456789"))
	require.Equal(t, "0123456789", tail.String())

	tail.Write([]byte("abc"))
	require.Equal(t, "3456789abc", tail.String())
}

func TestTailSingleOversizedWrite(t *testing.T) {
	tail := NewTail(4)
	tail.Write([]byte("a long line of encoder noise"))
	require.Equal(t, "oise", tail.String())
}

func TestStreamFeedsTail(t *testing.T) {
	tail := NewTail(1024)
	Stream("test", "stderr", strings.NewReader("frame=1\nframe=2\n"), tail)
	require.Equal(t, "frame=1\nframe=2\n", tail.String())
}

func TestStreamNilTail(t *testing.T) {
	require.NotPanics(t, func() {
		Stream("test", "stderr", strings.NewReader("frame=1\n"), nil)
	})
}
