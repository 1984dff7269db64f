package engine

import (
	"context"
	"encoding/json"

	"github.com/flashbots/rollup-boost/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ IEngineClient = (*tracedEngineClient)(nil)

// tracedEngineClient wraps an IEngineClient and records spans.
type tracedEngineClient struct {
	inner  IEngineClient
	tracer trace.Tracer
}

// WithTracing decorates an IEngineClient with OpenTelemetry spans.
func WithTracing(inner IEngineClient) IEngineClient {
	return &tracedEngineClient{
		inner:  inner,
		tracer: otel.Tracer("rollup-boost/engine"),
	}
}

func (t *tracedEngineClient) Name() string   { return t.inner.Name() }
func (t *tracedEngineClient) GetURI() string { return t.inner.GetURI() }

func (t *tracedEngineClient) ForkchoiceUpdated(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error) {
	ctx, span := t.tracer.Start(ctx, "Engine.ForkchoiceUpdated",
		trace.WithAttributes(
			attribute.String("engine", t.inner.Name()),
			attribute.String("method", version.Method(common.MethodForkchoiceUpdated)),
			attribute.String("head_block_hash", state.HeadBlockHash.Hex()),
			attribute.String("safe_block_hash", state.SafeBlockHash.Hex()),
			attribute.String("finalized_block_hash", state.FinalizedBlockHash.Hex()),
			attribute.Bool("has_attributes", attrs != nil),
		),
	)
	defer span.End()

	result, err := t.inner.ForkchoiceUpdated(ctx, version, state, attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	attributes := []attribute.KeyValue{
		attribute.String("payload_status", result.PayloadStatus.Status),
	}

	if result.PayloadID != nil {
		attributes = append(attributes, attribute.String("payload_id", result.PayloadID.String()))
	}

	if result.PayloadStatus.LatestValidHash != nil {
		attributes = append(attributes, attribute.String("latest_valid_hash", result.PayloadStatus.LatestValidHash.Hex()))
	}

	span.SetAttributes(attributes...)

	return result, nil
}

func (t *tracedEngineClient) GetPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error) {
	ctx, span := t.tracer.Start(ctx, "Engine.GetPayload",
		trace.WithAttributes(
			attribute.String("engine", t.inner.Name()),
			attribute.String("method", version.Method(common.MethodGetPayload)),
			attribute.String("payload_id", payloadID.String()),
		),
	)
	defer span.End()

	result, err := t.inner.GetPayload(ctx, version, payloadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("block_number", int64(result.ExecutionPayload.Number)),
		attribute.String("block_hash", result.ExecutionPayload.BlockHash.Hex()),
		attribute.Int("tx_count", len(result.ExecutionPayload.Transactions)),
		attribute.Int64("gas_used", int64(result.ExecutionPayload.GasUsed)),
		attribute.String("block_value", result.PayloadValue().String()),
	)

	return result, nil
}

func (t *tracedEngineClient) NewPayload(ctx context.Context, version common.EngineVersion, req *NewPayloadRequest) (*common.PayloadStatus, error) {
	ctx, span := t.tracer.Start(ctx, "Engine.NewPayload",
		trace.WithAttributes(
			attribute.String("engine", t.inner.Name()),
			attribute.String("method", version.Method(common.MethodNewPayload)),
			attribute.Int64("block_number", int64(req.BlockNumber)),
			attribute.String("block_hash", req.BlockHash.Hex()),
			attribute.Int("blob_count", len(req.VersionedHashes)),
		),
	)
	defer span.End()

	result, err := t.inner.NewPayload(ctx, version, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	attributes := []attribute.KeyValue{attribute.String("payload_status", result.Status)}

	if result.LatestValidHash != nil {
		attributes = append(attributes, attribute.String("latest_valid_hash", result.LatestValidHash.Hex()))
	}

	span.SetAttributes(attributes...)

	return result, nil
}

func (t *tracedEngineClient) Forward(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	ctx, span := t.tracer.Start(ctx, "Engine.Forward",
		trace.WithAttributes(
			attribute.String("engine", t.inner.Name()),
			attribute.String("method", method),
		),
	)
	defer span.End()

	result, err := t.inner.Forward(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}
