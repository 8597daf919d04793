package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_AppliesConfig(t *testing.T) {
	client := NewClient(GraphClientConfig(15 * time.Second))

	assert.Equal(t, 15*time.Second, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 50, transport.MaxConnsPerHost)
	assert.Equal(t, 20, transport.MaxIdleConnsPerHost)
	assert.Equal(t, 15*time.Second, transport.ResponseHeaderTimeout)
}

func TestNewClient_NilConfigUsesDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(nil)
	assert.Equal(t, 30*time.Second, client.Timeout)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
