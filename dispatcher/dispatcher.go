// Package dispatcher arbitrates the block building calls between the local engine and the builder
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/datastore"
	"github.com/flashbots/rollup-boost/engine"
	"github.com/flashbots/rollup-boost/health"
	"github.com/flashbots/rollup-boost/metrics"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Opts struct {
	Log     *logrus.Entry
	Local   engine.IEngineClient
	Builder engine.IEngineClient
	Health  *health.Monitor
	Cache   *datastore.PayloadContextCache

	StalePolicy StalePolicy

	// MirrorMethods are pass-through methods also sent to the builder
	MirrorMethods []string

	// SyncNewPayload also sends engine_newPayload to the builder
	SyncNewPayload bool
}

// Dispatcher is the arbitration core. The local engine is authoritative, the
// builder can only supply an alternative payload that the local engine validated.
type Dispatcher struct {
	log     *logrus.Entry
	local   engine.IEngineClient
	builder engine.IEngineClient
	health  *health.Monitor
	cache   *datastore.PayloadContextCache
	tracer  trace.Tracer

	stalePolicy    StalePolicy
	mirrorMethods  map[string]bool
	syncNewPayload bool

	inflight singleflight.Group
	advisory sync.WaitGroup

	listenersLock sync.RWMutex
	listeners     []DeliveryListener
}

func NewDispatcher(opts Opts) (*Dispatcher, error) {
	switch {
	case opts.Local == nil:
		return nil, ErrMissingLocalEngine
	case opts.Builder == nil:
		return nil, ErrMissingBuilderEngine
	case opts.Health == nil:
		return nil, ErrMissingHealthMonitor
	case opts.Cache == nil:
		return nil, ErrMissingCache
	}

	if opts.StalePolicy == "" {
		opts.StalePolicy = StalePolicyLocal
	}
	if _, err := ParseStalePolicy(string(opts.StalePolicy)); err != nil {
		return nil, err
	}

	mirror := make(map[string]bool, len(opts.MirrorMethods))
	for _, m := range opts.MirrorMethods {
		mirror[m] = true
	}

	return &Dispatcher{
		log:            opts.Log.WithField("component", "dispatcher"),
		local:          opts.Local,
		builder:        opts.Builder,
		health:         opts.Health,
		cache:          opts.Cache,
		tracer:         otel.Tracer("rollup-boost/dispatcher"),
		stalePolicy:    opts.StalePolicy,
		mirrorMethods:  mirror,
		syncNewPayload: opts.SyncNewPayload,
	}, nil
}

// AddListener registers l for every delivered payload. Listeners are called on their own goroutine.
func (d *Dispatcher) AddListener(l DeliveryListener) {
	d.listenersLock.Lock()
	defer d.listenersLock.Unlock()
	d.listeners = append(d.listeners, l)
}

// Drain waits for in-flight advisory builder calls to finish or ctx to expire
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.advisory.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForkchoiceUpdated handles engine_forkchoiceUpdated. Without attributes the
// local response is returned and the builder is updated in the background.
// With attributes the local engine has to accept the build first, then the
// builder is asked to build too and the payload context is cached.
func (d *Dispatcher) ForkchoiceUpdated(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.ForkchoiceUpdated", trace.WithAttributes(
		attribute.String("head_block_hash", state.HeadBlockHash.Hex()),
		attribute.Bool("has_attributes", attrs != nil),
	))
	defer span.End()

	log := d.log.WithFields(logrus.Fields{
		"method":        version.Method(common.MethodForkchoiceUpdated),
		"headBlockHash": state.HeadBlockHash.Hex(),
	})

	if attrs == nil {
		if d.health.ShouldCallBuilder() {
			d.goAdvisory(ctx, log, "forkchoiceUpdated", func(ctx context.Context) error {
				resp, err := d.builder.ForkchoiceUpdated(ctx, version, state, nil)
				if err != nil {
					return err
				}
				if resp.PayloadStatus.Status == common.StatusInvalid {
					return fmt.Errorf("%w: builder forkchoice status %s", common.ErrValidationFailure, resp.PayloadStatus.Status)
				}
				return nil
			})
		}
		return d.local.ForkchoiceUpdated(ctx, version, state, nil)
	}

	localResp, err := d.local.ForkchoiceUpdated(ctx, version, state, attrs)
	if err != nil {
		log.WithError(err).Warn("local engine forkchoiceUpdated failed")
		return nil, err
	}
	if localResp.PayloadStatus.Status != common.StatusValid || localResp.PayloadID == nil {
		log.WithField("status", localResp.PayloadStatus.Status).Info("local engine did not start a build")
		return localResp, nil
	}

	pc := datastore.PayloadContext{
		LocalID:    *localResp.PayloadID,
		State:      state,
		Attributes: attrs,
		Version:    version,
	}
	log = log.WithField("payloadId", pc.LocalID.String())

	if d.health.ShouldCallBuilder() {
		builderID, err := d.builderForkchoice(ctx, version, state, attrs)
		if err != nil {
			log.WithError(err).Warn("builder forkchoiceUpdated failed, building local only")
		} else {
			pc.BuilderID = builderID
			log = log.WithField("builderPayloadId", builderID.String())
		}
	} else {
		log.Debug("builder unhealthy, building local only")
	}

	d.cache.Put(pc)
	log.Info("payload build started")
	return localResp, nil
}

// builderForkchoice asks the builder to build and records the outcome with the health monitor
func (d *Dispatcher) builderForkchoice(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.PayloadID, error) {
	resp, err := d.builder.ForkchoiceUpdated(ctx, version, state, attrs)
	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		// the consensus client went away, the builder is not at fault
		return nil, err
	case err != nil:
		d.health.RecordFailure(err, true)
		return nil, err
	case resp.PayloadStatus.Status == common.StatusInvalid:
		err = fmt.Errorf("%w: builder forkchoice status %s", common.ErrValidationFailure, resp.PayloadStatus.Status)
		d.health.RecordFailure(err, true)
		return nil, err
	case resp.PayloadStatus.Status != common.StatusValid || resp.PayloadID == nil:
		// reachable but not ready to build
		err = fmt.Errorf("builder did not start a build, status %s", resp.PayloadStatus.Status)
		d.health.RecordFailure(err, false)
		return nil, err
	}
	d.health.RecordSuccess()
	id := *resp.PayloadID
	return &id, nil
}

// GetPayload handles engine_getPayload for a payload id returned by ForkchoiceUpdated.
// Repeated calls for the same id return the same payload. Concurrent calls share
// one arbitration, which keeps running when the caller that started it goes away.
func (d *Dispatcher) GetPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := d.inflight.DoChan(payloadID.String(), func() (any, error) {
		return d.getPayload(flightCtx, version, payloadID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*common.ExecutionPayloadEnvelope), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) getPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.GetPayload", trace.WithAttributes(
		attribute.String("payload_id", payloadID.String()),
	))
	defer span.End()

	log := d.log.WithFields(logrus.Fields{
		"method":    version.Method(common.MethodGetPayload),
		"payloadId": payloadID.String(),
	})

	pc, err := d.cache.Get(payloadID)
	stale := false
	if errors.Is(err, common.ErrPayloadContextStale) {
		log.WithField("age", time.Since(pc.CreatedAt).String()).Warn("stale payload context")
		switch d.stalePolicy {
		case StalePolicyReject:
			return nil, err
		case StalePolicyLocal:
			stale = true
		case StalePolicyServe:
		}
	} else if err != nil {
		log.WithError(err).Warn("payload context not found")
		return nil, err
	}

	if delivered, ok := d.cache.GetDelivered(payloadID); ok {
		log.WithField("source", delivered.Source).Debug("returning previously delivered payload")
		return delivered.Envelope, nil
	}

	var reason string
	switch {
	case pc.BuilderID == nil:
		reason = FallbackNoBuilderPayload
	case stale:
		reason = FallbackStaleContext
	case !d.health.IsHealthy():
		reason = FallbackBuilderUnhealthy
	}
	if reason != "" {
		env, err := d.local.GetPayload(ctx, version, payloadID)
		if err != nil {
			log.WithError(err).Error("local engine getPayload failed")
			return nil, err
		}
		d.cache.SetStage(payloadID, datastore.StageRetrieved)
		d.deliver(ctx, log, pc, env, common.PayloadSourceLocal, reason, nil)
		return env, nil
	}

	var (
		localEnv      *common.ExecutionPayloadEnvelope
		builderEnv    *common.ExecutionPayloadEnvelope
		builderReason string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		env, err := d.local.GetPayload(gctx, version, payloadID)
		if err != nil {
			return err
		}
		localEnv = env
		return nil
	})
	g.Go(func() error {
		// builder failures never fail the group, they only select the local payload
		builderEnv, builderReason = d.validatedBuilderPayload(gctx, log, version, pc)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("local engine getPayload failed")
		return nil, err
	}
	d.cache.SetStage(payloadID, datastore.StageRetrieved)

	if builderEnv == nil {
		d.deliver(ctx, log, pc, localEnv, common.PayloadSourceLocal, builderReason, nil)
		return localEnv, nil
	}

	d.compareValues(ctx, log, builderEnv, localEnv)
	d.deliver(ctx, log, pc, builderEnv, common.PayloadSourceBuilder, "", builderEnv)
	return builderEnv, nil
}

// validatedBuilderPayload fetches the builder payload and validates it against
// the local engine. It returns nil and the fallback reason if the payload cannot be used.
func (d *Dispatcher) validatedBuilderPayload(ctx context.Context, log *logrus.Entry, version common.EngineVersion, pc *datastore.PayloadContext) (*common.ExecutionPayloadEnvelope, string) {
	log = log.WithField("builderPayloadId", pc.BuilderID.String())

	env, err := d.builder.GetPayload(ctx, version, *pc.BuilderID)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// the local call failed
			return nil, FallbackBuilderError
		}
		d.health.RecordFailure(err, true)
		log.WithError(err).Warn("builder getPayload failed")
		if common.IsTimeout(err) {
			return nil, FallbackBuilderTimeout
		}
		return nil, FallbackBuilderError
	}
	log = log.WithField("blockHash", env.BlockHash().Hex())

	if err := checkBuilderPayload(pc, env); err != nil {
		d.health.RecordFailure(err, true)
		log.WithError(err).Warn("builder payload does not match the requested build")
		return nil, FallbackBuilderMismatch
	}

	req := engine.NewPayloadRequestFromEnvelope(env, pc.Attributes.ParentBeaconBlockRoot)
	status, err := d.local.NewPayload(ctx, version, req)
	if err != nil {
		// local engine trouble, not the builder's fault
		metrics.IncBuilderValidation(ctx, "error")
		log.WithError(err).Warn("local engine failed to validate the builder payload")
		return nil, FallbackValidationError
	}
	metrics.IncBuilderValidation(ctx, status.Status)

	switch status.Status {
	case common.StatusValid:
		d.health.RecordSuccess()
		return env, ""
	case common.StatusInvalid:
		validationErr := fmt.Errorf("%w: %s", common.ErrValidationFailure, validationError(status))
		d.health.RecordFailure(validationErr, true)
		log.WithError(validationErr).Warn("builder payload is invalid")
		return nil, FallbackInvalid
	default:
		log.WithField("status", status.Status).Info("builder payload could not be validated")
		return nil, FallbackNotValidated
	}
}

func validationError(status *common.PayloadStatus) string {
	if status.ValidationError != nil {
		return *status.ValidationError
	}
	return status.Status
}

// checkBuilderPayload rejects payloads that were not built on the requested head and timestamp
func checkBuilderPayload(pc *datastore.PayloadContext, env *common.ExecutionPayloadEnvelope) error {
	payload := env.ExecutionPayload
	if payload.ParentHash != pc.State.HeadBlockHash {
		return fmt.Errorf("%w: parent hash %s, expected %s", common.ErrValidationFailure, payload.ParentHash.Hex(), pc.State.HeadBlockHash.Hex())
	}
	if pc.Attributes != nil && payload.Timestamp != uint64(pc.Attributes.Timestamp) {
		return fmt.Errorf("%w: timestamp %d, expected %d", common.ErrValidationFailure, payload.Timestamp, uint64(pc.Attributes.Timestamp))
	}
	return nil
}

func (d *Dispatcher) compareValues(ctx context.Context, log *logrus.Entry, builderEnv, localEnv *common.ExecutionPayloadEnvelope) {
	builderValue, overflow := uint256.FromBig(builderEnv.PayloadValue().ToInt())
	if overflow {
		return
	}
	localValue, overflow := uint256.FromBig(localEnv.PayloadValue().ToInt())
	if overflow {
		return
	}

	outcome := "equal"
	switch builderValue.Cmp(localValue) {
	case 1:
		outcome = "higher"
	case -1:
		outcome = "lower"
	}
	metrics.IncValueDelta(ctx, outcome)
	log.WithFields(logrus.Fields{
		"builderValue": builderValue.Dec(),
		"localValue":   localValue.Dec(),
	}).Debug("builder payload value compared to local")
}

func (d *Dispatcher) deliver(ctx context.Context, log *logrus.Entry, pc *datastore.PayloadContext, env *common.ExecutionPayloadEnvelope, source common.PayloadSource, reason string, builderEnv *common.ExecutionPayloadEnvelope) {
	d.cache.SaveDelivered(pc.LocalID, datastore.DeliveredPayload{Envelope: env, Source: source, FallbackReason: reason})
	d.cache.SetStage(pc.LocalID, datastore.StageSubmitted)

	metrics.IncPayloadSource(ctx, source.String())
	if reason != "" && reason != FallbackNoBuilderPayload {
		metrics.IncBuilderFallback(ctx, reason)
	}

	log.WithFields(logrus.Fields{
		"source":         source,
		"fallbackReason": reason,
		"blockHash":      env.BlockHash().Hex(),
		"blockNumber":    env.ExecutionPayload.Number,
		"numTx":          len(env.ExecutionPayload.Transactions),
	}).Info("payload delivered")

	ev := DeliveryEvent{
		PayloadID:        pc.LocalID,
		BuilderPayloadID: pc.BuilderID,
		Source:           source,
		FallbackReason:   reason,
		Envelope:         env,
		DeliveredAt:      time.Now().UTC(),
	}
	if builderEnv != nil {
		ev.BuilderValue = builderEnv.PayloadValue()
	}

	d.listenersLock.RLock()
	defer d.listenersLock.RUnlock()
	for _, l := range d.listeners {
		go l(ev)
	}
}

// NewPayload forwards engine_newPayload to the local engine, the builder only gets a copy if configured
func (d *Dispatcher) NewPayload(ctx context.Context, version common.EngineVersion, params []json.RawMessage) (json.RawMessage, error) {
	method := version.Method(common.MethodNewPayload)
	if d.syncNewPayload {
		d.mirror(ctx, method, params)
	}
	return d.local.Forward(ctx, method, params)
}

// Forward sends any other method to the local engine. Configured methods are mirrored to the builder.
func (d *Dispatcher) Forward(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if d.mirrorMethods[method] {
		d.mirror(ctx, method, params)
	}
	return d.local.Forward(ctx, method, params)
}

func (d *Dispatcher) mirror(ctx context.Context, method string, params []json.RawMessage) {
	if !d.health.IsHealthy() {
		return
	}
	d.goAdvisory(ctx, d.log.WithField("method", method), method, func(ctx context.Context) error {
		_, err := d.builder.Forward(ctx, method, params)
		return err
	})
}

// goAdvisory runs a builder call whose result is not returned to the caller.
// Failures are soft health signals.
func (d *Dispatcher) goAdvisory(ctx context.Context, log *logrus.Entry, name string, call func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	d.advisory.Add(1)
	go func() {
		defer d.advisory.Done()
		if err := call(ctx); err != nil {
			d.health.RecordFailure(err, false)
			log.WithError(err).WithField("call", name).Debug("advisory builder call failed")
			return
		}
		d.health.RecordSuccess()
	}()
}
