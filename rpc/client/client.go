package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/synclog"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/ValentinKolb/dSync/lib/worker"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger(logging.NameRPC)

// SyncSink receives the sync logs embedded in responses, *synclog.Engine implements it
type SyncSink interface {
	Submit(ctx context.Context, log *synclog.Log) <-chan synclog.Result
}

// Client talks to the chat server
type Client struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	sink       SyncSink
	tel        *telemetry.Telemetry

	// cursor is the highest timestamp of all forwarded entries
	cursor atomic.Int64
}

// Option configures a Client
type Option func(*Client)

// WithTelemetry records request metrics in tel
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) { c.tel = tel }
}

// New connects transport and returns a client forwarding embedded sync logs to sink (sink may be nil)
func New(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
	sink SyncSink,
	opts ...Option,
) (*Client, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		transport:  transport,
		serializer: serializer,
		sink:       sink,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tel = telemetry.OrNew(c.tel)
	return c, nil
}

var _ keychain.Persister = (*Client)(nil)

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Connect performs the handshake. since = 0 requests a full sync log, otherwise the entries newer than since.
// It returns once the log of the response has been applied.
func (c *Client) Connect(ctx context.Context, since int64) (synclog.Result, error) {
	resp, res, err := c.invoke(ctx, common.RouteSync, common.NewConnectRequest(since))
	if err != nil {
		return res, err
	}
	if resp.SyncLog == nil {
		return res, fmt.Errorf("rpc connect: response carries no sync log")
	}
	return res, nil
}

// Ping polls the server for changes since the cursor
func (c *Client) Ping(ctx context.Context) error {
	req := common.NewPingRequest()
	req.Since = c.Cursor()
	_, _, err := c.invoke(ctx, common.RouteSync, req)
	return err
}

// UpdateKeychain persists a keychain update (implements keychain.Persister)
func (c *Client) UpdateKeychain(ctx context.Context, update keychain.Update) error {
	_, _, err := c.invoke(ctx, common.RouteKeychain, common.NewKeychainUpdateRequest(update))
	return err
}

// Call sends a custom request. payload is json encoded into the request, the response payload is decoded into out (if not nil).
func (c *Client) Call(ctx context.Context, method string, payload any, out any) error {
	meta, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpc %s: encoding payload: %w", method, err)
	}
	resp, _, err := c.invoke(ctx, common.RouteRPC, common.NewCustomRequest(method, meta))
	if err != nil {
		return err
	}
	if out == nil || len(resp.Meta) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Meta, out); err != nil {
		return fmt.Errorf("rpc %s: decoding response: %w", method, err)
	}
	return nil
}

// CallAll sends one custom request per payload with at most ClientConfig.Concurrency requests in flight.
// The responses are returned in payload order, the first failure stops the batch.
func (c *Client) CallAll(ctx context.Context, method string, payloads []any) ([]json.RawMessage, error) {
	return worker.Map(ctx, payloads, c.config.Concurrency, func(ctx context.Context, payload any) (json.RawMessage, error) {
		var out json.RawMessage
		err := c.Call(ctx, method, payload, &out)
		return out, err
	})
}

// Cursor returns the highest timestamp of all forwarded sync log entries
func (c *Client) Cursor() int64 {
	return c.cursor.Load()
}

// Close closes the transport
func (c *Client) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// invoke sends req and applies the embedded sync log of the response, also for error responses
func (c *Client) invoke(ctx context.Context, route string, req *common.Message) (*common.Message, synclog.Result, error) {
	start := time.Now()
	label := fmt.Sprintf(`{type=%q}`, req.MsgType)
	c.tel.Counter("dsync_rpc_requests_total" + label).Inc()

	resp, err := invokeRPCRequest(ctx, route, req, c.transport, c.serializer)
	c.tel.Since("rpc.request", start)

	var res synclog.Result
	if resp != nil && resp.SyncLog != nil {
		var fwdErr error
		if res, fwdErr = c.forward(ctx, resp.SyncLog); fwdErr != nil && err == nil {
			err = fwdErr
		}
	}
	if err != nil {
		c.tel.Counter("dsync_rpc_errors_total" + label).Inc()
		Logger.Debugf("%s request failed: %v", req.MsgType, err)
		return nil, res, err
	}
	return resp, res, nil
}

// forward passes log to the sink and waits until it is applied
func (c *Client) forward(ctx context.Context, log *synclog.Log) (synclog.Result, error) {
	defer c.advance(log)

	if c.sink == nil {
		Logger.Debugf("no sync sink, discarding %s log with %d entries", log.Type, len(log.Log))
		return synclog.Result{Type: log.Type}, nil
	}

	select {
	case res := <-c.sink.Submit(ctx, log):
		if res.Err != nil {
			return res, fmt.Errorf("applying embedded sync log: %w", res.Err)
		}
		return res, nil
	case <-ctx.Done():
		return synclog.Result{Type: log.Type}, ctx.Err()
	}
}

// advance moves the cursor to the newest entry of log
func (c *Client) advance(log *synclog.Log) {
	for _, e := range log.Log {
		for {
			cur := c.cursor.Load()
			if e.Timestamp <= cur || c.cursor.CompareAndSwap(cur, e.Timestamp) {
				break
			}
		}
	}
}
