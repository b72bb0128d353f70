package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewServerSetsTimeouts(t *testing.T) {
	server := newServer("127.0.0.1:0", http.NewServeMux())

	// A client that never finishes its headers or goes idle must not hold a
	// connection forever.
	require.Greater(t, server.ReadHeaderTimeout.Seconds(), 0.0)
	require.Greater(t, server.IdleTimeout.Seconds(), 0.0)
	require.Equal(t, "127.0.0.1:0", server.Addr)
}
