package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/metrics"
	"github.com/sirupsen/logrus"
)

var _ IEngineClient = (*RPCEngineClient)(nil)

type RPCEngineClientOpts struct {
	Log  *logrus.Entry
	Name string

	// URL is the authenticated engine endpoint
	URL string

	// HTTPURL serves all non engine_ methods. Falls back to URL if empty.
	HTTPURL string

	// JWTSecret signs a fresh token for every request on the engine endpoint
	JWTSecret []byte

	Timeout time.Duration
}

// RPCEngineClient talks JSON-RPC to an execution engine
type RPCEngineClient struct {
	log        *logrus.Entry
	name       string
	uri        string
	timeout    time.Duration
	authClient *rpc.Client
	httpClient *rpc.Client
}

func NewRPCEngineClient(ctx context.Context, opts RPCEngineClientOpts) (*RPCEngineClient, error) {
	if err := checkURL(opts.URL); err != nil {
		return nil, fmt.Errorf("%w: %s url: %s", common.ErrConfiguration, opts.Name, err.Error())
	}
	if len(opts.JWTSecret) == 0 {
		return nil, fmt.Errorf("%w: %s: %w", common.ErrConfiguration, opts.Name, common.ErrInvalidJWTSecret)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = common.DefaultEngineTimeout
	}

	secret := opts.JWTSecret
	authClient, err := rpc.DialOptions(ctx, opts.URL, rpc.WithHTTPAuth(func(h http.Header) error {
		authToken, err := common.NewJWTToken(secret, time.Now())
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+authToken)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %s", common.ErrConfiguration, opts.Name, err.Error())
	}

	httpClient := authClient
	if opts.HTTPURL != "" {
		if err := checkURL(opts.HTTPURL); err != nil {
			authClient.Close()
			return nil, fmt.Errorf("%w: %s http url: %s", common.ErrConfiguration, opts.Name, err.Error())
		}
		httpClient, err = rpc.DialOptions(ctx, opts.HTTPURL)
		if err != nil {
			authClient.Close()
			return nil, fmt.Errorf("%w: dial %s: %s", common.ErrConfiguration, opts.Name, err.Error())
		}
	}

	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &RPCEngineClient{
		log:        log.WithFields(logrus.Fields{"component": "engineClient", "engine": opts.Name}),
		name:       opts.Name,
		uri:        opts.URL,
		timeout:    opts.Timeout,
		authClient: authClient,
		httpClient: httpClient,
	}, nil
}

func checkURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", s)
	}
	return nil
}

func (c *RPCEngineClient) Name() string {
	return c.name
}

func (c *RPCEngineClient) GetURI() string {
	return c.uri
}

// Close releases the underlying connections
func (c *RPCEngineClient) Close() {
	if c.httpClient != c.authClient {
		c.httpClient.Close()
	}
	c.authClient.Close()
}

// call sends the request with the client deadline and returns the raw result
func (c *RPCEngineClient) call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := c.authClient
	if !strings.HasPrefix(method, "engine_") {
		client = c.httpClient
	}

	var result json.RawMessage
	start := time.Now()
	err := client.CallContext(ctx, &result, method, args...)
	metrics.RecordEngineCall(ctx, c.name, method, time.Since(start))
	if err != nil {
		err = classifyError(err)
		c.log.WithError(err).WithField("method", method).Debug("engine call failed")
		return nil, err
	}
	return result, nil
}

func (c *RPCEngineClient) ForkchoiceUpdated(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error) {
	var raw json.RawMessage
	var err error
	if attrs == nil {
		raw, err = c.call(ctx, version.Method(common.MethodForkchoiceUpdated), state, nil)
	} else {
		raw, err = c.call(ctx, version.Method(common.MethodForkchoiceUpdated), state, attrs)
	}
	if err != nil {
		return nil, err
	}

	resp := new(common.ForkchoiceUpdatedResponse)
	if err := decodeResult(raw, resp); err != nil {
		return nil, err
	}
	if resp.PayloadStatus.Status == "" {
		return nil, fmt.Errorf("%w: forkchoiceUpdated without payloadStatus", common.ErrProtocol)
	}
	return resp, nil
}

func (c *RPCEngineClient) GetPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error) {
	raw, err := c.call(ctx, version.Method(common.MethodGetPayload), payloadID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty result", common.ErrProtocol)
	}
	return common.DecodeExecutionPayloadEnvelope(version, raw)
}

func (c *RPCEngineClient) NewPayload(ctx context.Context, version common.EngineVersion, req *NewPayloadRequest) (*common.PayloadStatus, error) {
	raw, err := c.call(ctx, version.Method(common.MethodNewPayload), req.params(version)...)
	if err != nil {
		return nil, err
	}

	status := new(common.PayloadStatus)
	if err := decodeResult(raw, status); err != nil {
		return nil, err
	}
	if status.Status == "" {
		return nil, fmt.Errorf("%w: newPayload without status", common.ErrProtocol)
	}
	return status, nil
}

func (c *RPCEngineClient) Forward(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return c.call(ctx, method, args...)
}

// CheckReachable verifies that the engine answers on its authenticated endpoint.
// An engine that does not know engine_exchangeCapabilities still counts as reachable.
func CheckReachable(ctx context.Context, client IEngineClient) error {
	methods, err := json.Marshal(SupportedMethods())
	if err != nil {
		return err
	}
	_, err = client.Forward(ctx, common.MethodExchangeCapabilities, []json.RawMessage{methods})
	var rpcErr *common.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == common.CodeMethodNotFound {
		return nil
	}
	return err
}
