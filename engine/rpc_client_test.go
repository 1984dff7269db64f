package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/rollup-boost/common"
	"github.com/stretchr/testify/require"
)

var testSecret = func() []byte {
	secret, err := common.DecodeJWTSecret("0x688f5d737bad920bdfb2fc2f488d6b6209eebda1dae949a8de91398d932c517a")
	if err != nil {
		panic(err)
	}
	return secret
}()

type rpcHandler func(params []json.RawMessage) (any, *common.RPCError)

// fakeEngine is a JSON-RPC server that checks the JWT and records received calls
type fakeEngine struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string][]json.RawMessage
	delay    time.Duration
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{
		t:        t,
		handlers: make(map[string]rpcHandler),
		calls:    make(map[string][]json.RawMessage),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEngine) handle(method string, h rpcHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeEngine) lastParams(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.calls[method]
	if !ok {
		return nil
	}
	return raw
}

func (f *fakeEngine) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if err := common.VerifyJWTToken(testSecret, common.BearerToken(r), time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	req := new(common.JSONRPCRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method] = req.Params
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	resp := common.JSONRPCResponse{JSONRPC: common.JSONRPCVersion, ID: req.ID}
	if !ok {
		resp.Error = common.NewRPCError(common.CodeMethodNotFound, "method not found")
	} else {
		result, rpcErr := h(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			require.NoError(f.t, err)
			resp.Result = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func newTestClient(t *testing.T, f *fakeEngine, timeout time.Duration) *RPCEngineClient {
	t.Helper()
	client, err := NewRPCEngineClient(context.Background(), RPCEngineClientOpts{
		Log:       common.TestLog,
		Name:      NameLocal,
		URL:       f.srv.URL,
		JWTSecret: testSecret,
		Timeout:   timeout,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestNewRPCEngineClientConfiguration(t *testing.T) {
	_, err := NewRPCEngineClient(context.Background(), RPCEngineClientOpts{Name: NameLocal, URL: "localhost:8551", JWTSecret: testSecret})
	require.ErrorIs(t, err, common.ErrConfiguration)

	_, err = NewRPCEngineClient(context.Background(), RPCEngineClientOpts{Name: NameLocal, URL: "http://localhost:8551"})
	require.ErrorIs(t, err, common.ErrConfiguration)
}

func TestForkchoiceUpdated(t *testing.T) {
	f := newFakeEngine(t)
	id := common.PayloadID{1, 2, 3, 4, 5, 6, 7, 8}
	f.handle("engine_forkchoiceUpdatedV3", func(params []json.RawMessage) (any, *common.RPCError) {
		return common.ForkchoiceUpdatedResponse{
			PayloadStatus: common.PayloadStatus{Status: common.StatusValid},
			PayloadID:     &id,
		}, nil
	})
	client := newTestClient(t, f, time.Second)

	attrs := new(common.PayloadAttributes)
	require.NoError(t, json.Unmarshal([]byte(`{"timestamp":"0x10","prevRandao":"0x0000000000000000000000000000000000000000000000000000000000000001","suggestedFeeRecipient":"0x0000000000000000000000000000000000000002","noTxPool":true,"eip1559Params":"0x0000000800000008"}`), attrs))

	state := common.ForkchoiceState{HeadBlockHash: ethcommon.HexToHash("0xaa")}
	resp, err := client.ForkchoiceUpdated(context.Background(), common.EngineV3, state, attrs)
	require.NoError(t, err)
	require.Equal(t, common.StatusValid, resp.PayloadStatus.Status)
	require.Equal(t, id, *resp.PayloadID)

	// attributes are forwarded verbatim
	params := f.lastParams("engine_forkchoiceUpdatedV3")
	require.Len(t, params, 2)
	sent, err := json.Marshal(attrs)
	require.NoError(t, err)
	require.JSONEq(t, string(sent), string(params[1]))
	require.Contains(t, string(params[1]), "eip1559Params")
}

func TestForkchoiceUpdatedWithoutAttributesSendsNull(t *testing.T) {
	f := newFakeEngine(t)
	f.handle("engine_forkchoiceUpdatedV1", func(params []json.RawMessage) (any, *common.RPCError) {
		return common.ForkchoiceUpdatedResponse{PayloadStatus: common.PayloadStatus{Status: common.StatusSyncing}}, nil
	})
	client := newTestClient(t, f, time.Second)

	resp, err := client.ForkchoiceUpdated(context.Background(), common.EngineV1, common.ForkchoiceState{}, nil)
	require.NoError(t, err)
	require.Equal(t, common.StatusSyncing, resp.PayloadStatus.Status)
	require.Nil(t, resp.PayloadID)

	params := f.lastParams("engine_forkchoiceUpdatedV1")
	require.Len(t, params, 2)
	require.Equal(t, "null", string(params[1]))
}

func TestGetPayload(t *testing.T) {
	f := newFakeEngine(t)
	env := common.TestEnvelope(common.EngineV3, 5, ethcommon.HexToHash("0x01"), ethcommon.HexToHash("0x02"), 1000, 42)
	f.handle("engine_getPayloadV3", func(params []json.RawMessage) (any, *common.RPCError) {
		return env.Raw(), nil
	})
	client := newTestClient(t, f, time.Second)

	got, err := client.GetPayload(context.Background(), common.EngineV3, common.PayloadID{1})
	require.NoError(t, err)
	require.Equal(t, env.BlockHash(), got.BlockHash())
	require.Equal(t, int64(42), got.PayloadValue().ToInt().Int64())
	require.Equal(t, `"0x0100000000000000"`, string(f.lastParams("engine_getPayloadV3")[0]))
}

func TestNewPayloadParamsPerVersion(t *testing.T) {
	f := newFakeEngine(t)
	for _, m := range []string{"engine_newPayloadV2", "engine_newPayloadV3", "engine_newPayloadV4"} {
		f.handle(m, func(params []json.RawMessage) (any, *common.RPCError) {
			return common.PayloadStatus{Status: common.StatusValid}, nil
		})
	}
	client := newTestClient(t, f, time.Second)

	env := common.TestEnvelope(common.EngineV3, 5, ethcommon.HexToHash("0x01"), ethcommon.HexToHash("0x02"), 1000, 0)
	root := ethcommon.HexToHash("0xbeac")
	req := NewPayloadRequestFromEnvelope(env, &root)

	tests := []struct {
		version common.EngineVersion
		nParams int
	}{
		{version: common.EngineV2, nParams: 1},
		{version: common.EngineV3, nParams: 3},
		{version: common.EngineV4, nParams: 4},
	}
	for _, test := range tests {
		t.Run(test.version.Method(common.MethodNewPayload), func(t *testing.T) {
			status, err := client.NewPayload(context.Background(), test.version, req)
			require.NoError(t, err)
			require.Equal(t, common.StatusValid, status.Status)

			params := f.lastParams(test.version.Method(common.MethodNewPayload))
			require.Len(t, params, test.nParams)
			require.JSONEq(t, string(env.RawPayload()), string(params[0]))
			if test.nParams > 1 {
				require.Equal(t, "[]", string(params[1]))
				require.Equal(t, `"`+root.Hex()+`"`, string(params[2]))
			}
			if test.nParams > 3 {
				require.Equal(t, "[]", string(params[3]))
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	t.Run("rejection keeps the engine error code", func(t *testing.T) {
		f := newFakeEngine(t)
		f.handle("engine_forkchoiceUpdatedV3", func(params []json.RawMessage) (any, *common.RPCError) {
			return nil, common.NewRPCError(common.CodeInvalidForkchoiceState, "Invalid forkchoice state")
		})
		client := newTestClient(t, f, time.Second)

		_, err := client.ForkchoiceUpdated(context.Background(), common.EngineV3, common.ForkchoiceState{}, nil)
		rpcErr := new(common.RPCError)
		require.ErrorAs(t, err, &rpcErr)
		require.Equal(t, common.CodeInvalidForkchoiceState, rpcErr.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFakeEngine(t)
		f.delay = 200 * time.Millisecond
		f.handle("eth_chainId", func(params []json.RawMessage) (any, *common.RPCError) {
			return "0x1", nil
		})
		client := newTestClient(t, f, 20*time.Millisecond)

		_, err := client.Forward(context.Background(), "eth_chainId", nil)
		require.ErrorIs(t, err, common.ErrTimeout)
	})

	t.Run("unreachable is a transport error", func(t *testing.T) {
		client, err := NewRPCEngineClient(context.Background(), RPCEngineClientOpts{
			Name:      NameBuilder,
			URL:       "http://127.0.0.1:1",
			JWTSecret: testSecret,
			Timeout:   time.Second,
		})
		require.NoError(t, err)
		_, err = client.Forward(context.Background(), "eth_chainId", nil)
		require.ErrorIs(t, err, common.ErrTransport)
	})

	t.Run("wrong secret is a transport error", func(t *testing.T) {
		f := newFakeEngine(t)
		client, err := NewRPCEngineClient(context.Background(), RPCEngineClientOpts{
			Name:      NameBuilder,
			URL:       f.srv.URL,
			JWTSecret: make([]byte, 32),
			Timeout:   time.Second,
		})
		require.NoError(t, err)
		_, err = client.Forward(context.Background(), "eth_chainId", nil)
		require.ErrorIs(t, err, common.ErrTransport)
	})

	t.Run("malformed result is a protocol error", func(t *testing.T) {
		f := newFakeEngine(t)
		f.handle("engine_getPayloadV2", func(params []json.RawMessage) (any, *common.RPCError) {
			return map[string]any{"blockValue": "0x1"}, nil
		})
		client := newTestClient(t, f, time.Second)

		_, err := client.GetPayload(context.Background(), common.EngineV2, common.PayloadID{})
		require.ErrorIs(t, err, common.ErrProtocol)
	})
}

func TestCheckReachable(t *testing.T) {
	f := newFakeEngine(t)
	client := newTestClient(t, f, time.Second)

	// method not found still proves the engine is up and accepts the JWT
	require.NoError(t, CheckReachable(context.Background(), client))

	f.handle(common.MethodExchangeCapabilities, func(params []json.RawMessage) (any, *common.RPCError) {
		return SupportedMethods(), nil
	})
	require.NoError(t, CheckReachable(context.Background(), client))
	require.Contains(t, string(f.lastParams(common.MethodExchangeCapabilities)[0]), "engine_getPayloadV4")
}
