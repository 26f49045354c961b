package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(logging.NameRPC)

// ErrNotConnected is returned by Send before Connect or after Close
var ErrNotConnected = errors.New("http transport not initialized")

// StatusError is returned for responses with a status other than 200
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http error: %s", e.Status)
}

// retryable reports whether another attempt could succeed
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

func NewHttpClientTransport() transport.IRPCClientTransport {
	return &httpClientTransport{}
}

type httpClientTransport struct {
	serverURLs []*url.URL
	client     *http.Client
	counter    uint32
	retryCount int
	backoff    time.Duration
	token      string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientConfig) error {
	if config.Offline() {
		return fmt.Errorf("http transport: no endpoints configured")
	}

	// Parse each server URL
	parsedURLs := make([]*url.URL, len(config.Endpoints))
	for i, server := range config.Endpoints {
		parsedURL, err := url.Parse(strings.TrimRight(server, "/"))
		if err != nil {
			return err
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("http transport: endpoint %q has no http(s) scheme", server)
		}
		parsedURLs[i] = parsedURL
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	t.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.serverURLs = parsedURLs
	t.counter = 0
	t.retryCount = max(1, config.RetryCount)
	t.backoff = time.Duration(config.RetryBackoffMillis) * time.Millisecond
	t.token = config.AuthToken

	return nil
}

func (t *httpClientTransport) Send(ctx context.Context, route string, req []byte) (resp []byte, err error) {
	// Check if the transport is initialized
	if t.client == nil {
		return nil, ErrNotConnected
	}

	for attempt := 0; attempt < t.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(t.backoff):
			}
		}

		// Select the next server via round-robin
		idx := atomic.AddUint32(&t.counter, 1) % uint32(len(t.serverURLs))
		serverURL := t.serverURLs[idx]

		resp, err = t.post(ctx, serverURL.JoinPath(route).String(), req)
		if err == nil {
			return resp, nil
		}

		var statusErr *StatusError
		if ctx.Err() != nil || (errors.As(err, &statusErr) && !statusErr.retryable()) {
			return nil, err
		}
		Logger.Debugf("attempt %d of %d to %s failed: %v", attempt+1, t.retryCount, serverURL.Host, err)
	}
	return nil, err
}

func (t *httpClientTransport) Close() error {
	// Close the client
	if t.client != nil {
		t.client.CloseIdleConnections()
	}

	// Reset the client and server URLs
	t.client = nil
	t.serverURLs = nil

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// post sends one attempt. The request is rebuilt for every attempt since its body is consumed.
func (t *httpClientTransport) post(ctx context.Context, requestURL string, req []byte) ([]byte, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+t.token)
	}

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: httpResponse.StatusCode, Status: httpResponse.Status}
	}

	// Read the response body
	return io.ReadAll(httpResponse.Body)
}
