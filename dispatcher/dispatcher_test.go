package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/datastore"
	"github.com/flashbots/rollup-boost/engine"
	"github.com/flashbots/rollup-boost/health"
	"github.com/stretchr/testify/require"
)

var (
	headHash     = ethcommon.HexToHash("0xaa")
	localHash    = ethcommon.HexToHash("0x11")
	builderHash  = ethcommon.HexToHash("0x22")
	beaconRoot   = ethcommon.HexToHash("0xbeac")
	localID      = common.PayloadID{0x01}
	builderID    = common.PayloadID{0xb1}
	errBuilder   = fmt.Errorf("%w: connection refused", common.ErrTransport)
	errTimeout   = fmt.Errorf("%w: builder", common.ErrTimeout)
	testTimestmp = uint64(100)
)

type testBackend struct {
	d       *Dispatcher
	local   *engine.MockEngineClient
	builder *engine.MockEngineClient
	health  *health.Monitor
	cache   *datastore.PayloadContextCache
}

func newTestBackend(t *testing.T, maxAge time.Duration, modify ...func(*Opts)) *testBackend {
	t.Helper()

	local := engine.NewMockEngineClient(engine.NameLocal)
	local.MockPayloadID = &localID
	local.MockPayload = common.TestEnvelope(common.EngineV3, 10, headHash, localHash, testTimestmp, 5)

	builder := engine.NewMockEngineClient(engine.NameBuilder)
	builder.MockPayloadID = &builderID
	builder.MockPayload = common.TestEnvelope(common.EngineV3, 10, headHash, builderHash, testTimestmp, 9)

	monitor, err := health.NewMonitor(common.TestLog, health.Config{FailureThreshold: 3, RecoveryThreshold: 2, ProbeInterval: 3})
	require.NoError(t, err)

	cache, err := datastore.NewPayloadContextCache(common.TestLog, 10, maxAge)
	require.NoError(t, err)

	opts := Opts{
		Log:     common.TestLog,
		Local:   local,
		Builder: builder,
		Health:  monitor,
		Cache:   cache,
	}
	for _, m := range modify {
		m(&opts)
	}

	d, err := NewDispatcher(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, d.Drain(context.Background()))
	})

	return &testBackend{d: d, local: local, builder: builder, health: monitor, cache: cache}
}

func testAttributes() *common.PayloadAttributes {
	root := beaconRoot
	return &common.PayloadAttributes{
		Timestamp:             hexutil.Uint64(testTimestmp),
		ParentBeaconBlockRoot: &root,
	}
}

func testState() common.ForkchoiceState {
	return common.ForkchoiceState{HeadBlockHash: headHash, SafeBlockHash: headHash, FinalizedBlockHash: headHash}
}

func (b *testBackend) startBuild(t *testing.T) *common.ForkchoiceUpdatedResponse {
	t.Helper()
	resp, err := b.d.ForkchoiceUpdated(context.Background(), common.EngineV3, testState(), testAttributes())
	require.NoError(t, err)
	return resp
}

func (b *testBackend) failures() uint64 {
	return b.health.Snapshot().ConsecutiveFailures
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(Opts{Log: common.TestLog})
	require.ErrorIs(t, err, ErrMissingLocalEngine)

	b := newTestBackend(t, 0)
	_, err = NewDispatcher(Opts{Log: common.TestLog, Local: b.local, Builder: b.builder, Health: b.health, Cache: b.cache, StalePolicy: "sometimes"})
	require.ErrorIs(t, err, ErrInvalidStalePolicy)
	require.ErrorIs(t, err, common.ErrConfiguration)
}

// Scenario A: builder payload validated and returned
func TestBuilderPayloadValid(t *testing.T) {
	b := newTestBackend(t, 0)

	resp := b.startBuild(t)
	require.Equal(t, common.StatusValid, resp.PayloadStatus.Status)
	require.Equal(t, localID, *resp.PayloadID)
	require.Equal(t, int64(1), b.builder.ForkchoiceCalls.Load())

	pc, err := b.cache.Get(localID)
	require.NoError(t, err)
	require.Equal(t, builderID, *pc.BuilderID)
	require.Equal(t, datastore.StageBuilding, pc.Stage())

	env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)
	require.Equal(t, builderHash, env.BlockHash())

	// the builder payload was validated by the local engine
	require.Equal(t, int64(1), b.local.NewPayloadCalls.Load())
	req := b.local.LastNewPayload()
	require.Equal(t, builderHash, req.BlockHash)
	require.Equal(t, beaconRoot, *req.ParentBeaconBlockRoot)
	require.Empty(t, req.VersionedHashes)

	pc, err = b.cache.Get(localID)
	require.NoError(t, err)
	require.Equal(t, datastore.StageSubmitted, pc.Stage())
	require.True(t, b.health.IsHealthy())
}

// Scenario B: builder payload invalid, local payload returned
func TestBuilderPayloadInvalid(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockNewPayloadStatus = common.StatusInvalid

	b.startBuild(t)
	env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)
	require.Equal(t, localHash, env.BlockHash())
	require.Equal(t, uint64(1), b.failures())

	delivered, ok := b.cache.GetDelivered(localID)
	require.True(t, ok)
	require.Equal(t, common.PayloadSourceLocal, delivered.Source)
	require.Equal(t, FallbackInvalid, delivered.FallbackReason)
}

// Scenario C: local engine rejects the forkchoice update
func TestLocalForkchoiceInvalid(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockForkchoiceStatus = common.StatusInvalid

	resp := b.startBuild(t)
	require.Equal(t, common.StatusInvalid, resp.PayloadStatus.Status)
	require.Nil(t, resp.PayloadID)
	require.Equal(t, int64(0), b.builder.ForkchoiceCalls.Load())
	require.Equal(t, 0, b.cache.Len())

	_, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.ErrorIs(t, err, common.ErrPayloadContextNotFound)
	require.Equal(t, common.CodeUnknownPayload, common.RPCErrorFromErr(err).Code)
}

func TestLocalForkchoiceError(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockForkchoiceErr = common.NewRPCError(common.CodeInvalidPayloadAttributes, "Invalid payload attributes")

	_, err := b.d.ForkchoiceUpdated(context.Background(), common.EngineV3, testState(), testAttributes())
	require.Equal(t, common.CodeInvalidPayloadAttributes, common.RPCErrorFromErr(err).Code)
	require.Equal(t, int64(0), b.builder.ForkchoiceCalls.Load())
}

// Scenario D: builder times out K times and is skipped afterwards
func TestBuilderTimeoutsDisableBuilder(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.MockForkchoiceErr = errTimeout

	for i := 0; i < 3; i++ {
		resp := b.startBuild(t)
		require.Equal(t, localID, *resp.PayloadID)
	}
	require.False(t, b.health.IsHealthy())
	require.Equal(t, int64(3), b.builder.ForkchoiceCalls.Load())

	b.startBuild(t)
	require.Equal(t, int64(3), b.builder.ForkchoiceCalls.Load())
}

func TestBuilderForkchoiceFailureBuildsLocal(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.MockForkchoiceErr = errBuilder

	b.startBuild(t)
	pc, err := b.cache.Get(localID)
	require.NoError(t, err)
	require.Nil(t, pc.BuilderID)
	require.Equal(t, uint64(1), b.failures())

	env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)
	require.Equal(t, localHash, env.BlockHash())
	require.Equal(t, int64(0), b.builder.GetPayloadCalls.Load())
}

func TestBuilderForkchoiceCancelledByCallerIsNotPenalized(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.ResponseDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	resp, err := b.d.ForkchoiceUpdated(ctx, common.EngineV3, testState(), testAttributes())
	require.NoError(t, err)
	require.Equal(t, localID, *resp.PayloadID)
	require.Equal(t, uint64(0), b.failures())
	require.Empty(t, b.health.Snapshot().LastError)
	require.True(t, b.health.IsHealthy())
}

func TestBuilderForkchoiceSyncingIsSoft(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.MockForkchoiceStatus = common.StatusSyncing

	for i := 0; i < 5; i++ {
		b.startBuild(t)
	}
	require.True(t, b.health.IsHealthy())
	require.Equal(t, uint64(5), b.failures())
}

func TestBuilderGetPayloadFailureFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{name: "timeout", err: errTimeout, reason: FallbackBuilderTimeout},
		{name: "transport", err: errBuilder, reason: FallbackBuilderError},
		{name: "rejected", err: common.NewRPCError(common.CodeUnknownPayload, "Unknown payload"), reason: FallbackBuilderError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := newTestBackend(t, 0)
			b.builder.MockGetPayloadErr = test.err

			b.startBuild(t)
			env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
			require.NoError(t, err)
			require.Equal(t, localHash, env.BlockHash())
			require.Equal(t, int64(0), b.local.NewPayloadCalls.Load())
			require.Equal(t, uint64(1), b.failures())

			delivered, ok := b.cache.GetDelivered(localID)
			require.True(t, ok)
			require.Equal(t, test.reason, delivered.FallbackReason)
		})
	}
}

func TestBuilderPayloadMismatch(t *testing.T) {
	tests := []struct {
		name    string
		payload *common.ExecutionPayloadEnvelope
	}{
		{name: "parent hash", payload: common.TestEnvelope(common.EngineV3, 10, ethcommon.HexToHash("0xdead"), builderHash, testTimestmp, 9)},
		{name: "timestamp", payload: common.TestEnvelope(common.EngineV3, 10, headHash, builderHash, testTimestmp+1, 9)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := newTestBackend(t, 0)
			b.builder.MockPayload = test.payload

			b.startBuild(t)
			env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
			require.NoError(t, err)
			require.Equal(t, localHash, env.BlockHash())
			require.Equal(t, int64(0), b.local.NewPayloadCalls.Load())
			require.Equal(t, uint64(1), b.failures())
		})
	}
}

func TestBuilderPayloadNotValidatedIsNotPenalized(t *testing.T) {
	for _, status := range []string{common.StatusSyncing, common.StatusAccepted} {
		t.Run(status, func(t *testing.T) {
			b := newTestBackend(t, 0)
			b.local.MockNewPayloadStatus = status

			b.startBuild(t)
			env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
			require.NoError(t, err)
			require.Equal(t, localHash, env.BlockHash())
			require.Equal(t, uint64(0), b.failures())
		})
	}
}

func TestLocalValidationErrorIsNotPenalized(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockNewPayloadErr = errTimeout

	b.startBuild(t)
	env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)
	require.Equal(t, localHash, env.BlockHash())
	require.Equal(t, uint64(0), b.failures())
}

func TestLocalGetPayloadErrorIsReturned(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockGetPayloadErr = fmt.Errorf("%w: local down", common.ErrTransport)

	b.startBuild(t)
	_, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.ErrorIs(t, err, common.ErrTransport)
	require.Equal(t, common.CodeInternalError, common.RPCErrorFromErr(err).Code)
}

func TestUnhealthyBuilderSkippedOnRetrieval(t *testing.T) {
	b := newTestBackend(t, 0)
	b.startBuild(t)
	b.health.Override(common.HealthStateUnhealthy)

	env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)
	require.Equal(t, localHash, env.BlockHash())
	require.Equal(t, int64(0), b.builder.GetPayloadCalls.Load())
}

func TestGetPayloadIsIdempotent(t *testing.T) {
	b := newTestBackend(t, 0)
	b.startBuild(t)

	first, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)
	second, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)

	require.Equal(t, first.Raw(), second.Raw())
	require.Equal(t, int64(1), b.builder.GetPayloadCalls.Load())
	require.Equal(t, int64(1), b.local.GetPayloadCalls.Load())
	require.Equal(t, int64(1), b.local.NewPayloadCalls.Load())
}

func TestConcurrentGetPayloadSameID(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.ResponseDelay = 20 * time.Millisecond
	b.startBuild(t)

	var wg sync.WaitGroup
	hashes := make([]ethcommon.Hash, 5)
	errs := make([]error, 5)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
			errs[i] = err
			if err == nil {
				hashes[i] = env.BlockHash()
			}
		}(i)
	}
	wg.Wait()

	for i, h := range hashes {
		require.NoError(t, errs[i])
		require.Equal(t, builderHash, h)
	}
	require.Equal(t, int64(1), b.local.NewPayloadCalls.Load())
}

func TestGetPayloadSurvivesCancelledFirstCaller(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.ResponseDelay = 30 * time.Millisecond
	b.startBuild(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	var (
		wg         sync.WaitGroup
		errA, errB error
		envB       *common.ExecutionPayloadEnvelope
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = b.d.GetPayload(ctxA, common.EngineV3, localID)
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		envB, errB = b.d.GetPayload(context.Background(), common.EngineV3, localID)
	}()
	time.Sleep(5 * time.Millisecond)
	cancelA()
	wg.Wait()

	require.ErrorIs(t, errA, context.Canceled)
	require.NoError(t, errB)
	require.Equal(t, builderHash, envB.BlockHash())
	require.True(t, b.health.IsHealthy())
	require.Equal(t, int64(1), b.builder.GetPayloadCalls.Load())
}

func TestStalePayloadPolicy(t *testing.T) {
	tests := []struct {
		policy StalePolicy
		hash   ethcommon.Hash
		err    error
	}{
		{policy: StalePolicyServe, hash: builderHash},
		{policy: StalePolicyLocal, hash: localHash},
		{policy: StalePolicyReject, err: common.ErrPayloadContextStale},
	}

	for _, test := range tests {
		t.Run(string(test.policy), func(t *testing.T) {
			b := newTestBackend(t, time.Millisecond, func(opts *Opts) { opts.StalePolicy = test.policy })
			b.startBuild(t)
			time.Sleep(10 * time.Millisecond)

			env, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				require.Equal(t, common.CodeUnknownPayload, common.RPCErrorFromErr(err).Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.hash, env.BlockHash())
		})
	}
}

func TestForkchoiceWithoutAttributes(t *testing.T) {
	b := newTestBackend(t, 0)
	b.builder.MockForkchoiceErr = errBuilder

	for i := 0; i < 5; i++ {
		resp, err := b.d.ForkchoiceUpdated(context.Background(), common.EngineV3, testState(), nil)
		require.NoError(t, err)
		require.Equal(t, common.StatusValid, resp.PayloadStatus.Status)
		require.Nil(t, resp.PayloadID)
	}
	require.NoError(t, b.d.Drain(context.Background()))

	// advisory failures count but never disable the builder on their own
	require.Equal(t, int64(5), b.builder.ForkchoiceCalls.Load())
	require.Equal(t, uint64(5), b.failures())
	require.True(t, b.health.IsHealthy())
	require.Equal(t, 0, b.cache.Len())
}

func TestForkchoiceWithoutAttributesLocalIsAuthoritative(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockForkchoiceStatus = common.StatusSyncing
	b.builder.MockForkchoiceStatus = common.StatusValid

	resp, err := b.d.ForkchoiceUpdated(context.Background(), common.EngineV3, testState(), nil)
	require.NoError(t, err)
	require.Equal(t, common.StatusSyncing, resp.PayloadStatus.Status)
}

func TestUnhealthyBuilderIsProbed(t *testing.T) {
	b := newTestBackend(t, 0)
	b.health.Override(common.HealthStateUnhealthy)

	for i := 0; i < 6; i++ {
		b.startBuild(t)
	}
	require.Equal(t, int64(2), b.builder.ForkchoiceCalls.Load())

	// two successful probes satisfy the recovery threshold
	require.True(t, b.health.IsHealthy())
}

func TestNewPayloadGoesToLocalOnly(t *testing.T) {
	b := newTestBackend(t, 0)
	b.local.MockForwardResult = json.RawMessage(`{"status":"VALID"}`)

	res, err := b.d.NewPayload(context.Background(), common.EngineV3, []json.RawMessage{json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"VALID"}`, string(res))
	require.Equal(t, "engine_newPayloadV3", b.local.LastForward())
	require.NoError(t, b.d.Drain(context.Background()))
	require.Equal(t, int64(0), b.builder.ForwardCalls.Load())
}

func TestNewPayloadSyncedToBuilder(t *testing.T) {
	b := newTestBackend(t, 0, func(opts *Opts) { opts.SyncNewPayload = true })

	_, err := b.d.NewPayload(context.Background(), common.EngineV3, nil)
	require.NoError(t, err)
	require.NoError(t, b.d.Drain(context.Background()))
	require.Equal(t, int64(1), b.builder.ForwardCalls.Load())
	require.Equal(t, "engine_newPayloadV3", b.builder.LastForward())
}

func TestForwardMirrorsConfiguredMethods(t *testing.T) {
	b := newTestBackend(t, 0, func(opts *Opts) { opts.MirrorMethods = []string{"eth_sendRawTransaction"} })
	b.builder.MockForwardErr = errBuilder

	_, err := b.d.Forward(context.Background(), "eth_sendRawTransaction", []json.RawMessage{json.RawMessage(`"0x02"`)})
	require.NoError(t, err)
	_, err = b.d.Forward(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	require.NoError(t, b.d.Drain(context.Background()))

	require.Equal(t, int64(2), b.local.ForwardCalls.Load())
	require.Equal(t, int64(1), b.builder.ForwardCalls.Load())
	require.Equal(t, uint64(1), b.failures())
}

func TestDeliveryListener(t *testing.T) {
	b := newTestBackend(t, 0)
	events := make(chan DeliveryEvent, 1)
	b.d.AddListener(func(ev DeliveryEvent) { events <- ev })

	b.startBuild(t)
	_, err := b.d.GetPayload(context.Background(), common.EngineV3, localID)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, localID, ev.PayloadID)
		require.Equal(t, builderID, *ev.BuilderPayloadID)
		require.Equal(t, common.PayloadSourceBuilder, ev.Source)
		require.Equal(t, int64(9), ev.BuilderValue.ToInt().Int64())
	case <-time.After(time.Second):
		t.Fatal("no delivery event")
	}
}

func TestParseStalePolicy(t *testing.T) {
	p, err := ParseStalePolicy("REJECT")
	require.NoError(t, err)
	require.Equal(t, StalePolicyReject, p)

	_, err = ParseStalePolicy("")
	require.ErrorIs(t, err, ErrInvalidStalePolicy)
}
