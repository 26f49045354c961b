package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientConfig(endpoints ...string) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Endpoints = endpoints
	cfg.RetryBackoffMillis = 1
	return cfg
}

func TestSendRoutesAndAuth(t *testing.T) {
	var auth atomic.Value
	handler := NewHandler(func(route string, req []byte) []byte {
		if route != "sync" {
			return nil
		}
		return append([]byte("echo:"), req...)
	}, true)

	// capture the auth header in front of the handler
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		handler.ServeHTTP(w, r)
	}))
	defer wrapped.Close()

	cfg := clientConfig(wrapped.URL + "/")
	cfg.AuthToken = "t0ken"
	tr := NewHttpClientTransport()
	require.NoError(t, tr.Connect(cfg))
	defer tr.Close()

	resp, err := tr.Send(context.Background(), "sync", []byte(`{"msg_type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, `echo:{"msg_type":"ping"}`, string(resp))
	assert.Equal(t, "Bearer t0ken", auth.Load())

	_, err = tr.Send(context.Background(), "nope", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	tr := NewHttpClientTransport()
	require.NoError(t, tr.Connect(clientConfig(server.URL)))

	resp, err := tr.Send(context.Background(), "rpc", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp))
	assert.Equal(t, int32(3), calls.Load())

	// client errors are not retried
	calls.Store(0)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer bad.Close()
	require.NoError(t, tr.Connect(clientConfig(bad.URL)))
	_, err = tr.Send(context.Background(), "rpc", nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendRoundRobin(t *testing.T) {
	var a, b atomic.Int32
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { a.Add(1) }))
	defer serverA.Close()
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { b.Add(1) }))
	defer serverB.Close()

	tr := NewHttpClientTransport()
	require.NoError(t, tr.Connect(clientConfig(serverA.URL, serverB.URL)))
	for i := 0; i < 4; i++ {
		_, err := tr.Send(context.Background(), "rpc", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), b.Load())
}

func TestSendHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	tr := NewHttpClientTransport()
	require.NoError(t, tr.Connect(clientConfig(server.URL)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Send(ctx, "rpc", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectErrors(t *testing.T) {
	tr := NewHttpClientTransport()
	_, err := tr.Send(context.Background(), "rpc", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Error(t, tr.Connect(clientConfig()))
	assert.Error(t, tr.Connect(clientConfig("localhost:8080")))

	require.NoError(t, tr.Connect(clientConfig("http://localhost:1")))
	require.NoError(t, tr.Close())
	_, err = tr.Send(context.Background(), "rpc", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
