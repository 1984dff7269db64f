package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/database"
)

var (
	ErrMissingLogOpt        = errors.New("log parameter is nil")
	ErrMissingDispatcherOpt = errors.New("dispatcher is nil")
	ErrMissingHealthOpt     = errors.New("health monitor is nil")
	ErrServerAlreadyStarted = errors.New("server was already started")

	errEmptyBatch = common.NewRPCError(common.CodeInvalidRequest, "empty batch")
)

// IDispatcher is the arbitration core the JSON-RPC endpoint hands calls to
type IDispatcher interface {
	ForkchoiceUpdated(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error)
	GetPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error)
	NewPayload(ctx context.Context, version common.EngineVersion, params []json.RawMessage) (json.RawMessage, error)
	Forward(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)
}

type HTTPErrorResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type setBuilderHealthRequest struct {
	State string `json:"state"`
}

// DeliveredPayloadJSON is one entry of the payloads_delivered data API
type DeliveredPayloadJSON struct {
	ID               uint64 `json:"id,string"`
	InsertedAt       int64  `json:"inserted_at_ms,string"`
	PayloadID        string `json:"payload_id"`
	BuilderPayloadID string `json:"builder_payload_id,omitempty"`
	Source           string `json:"source"`
	BlockHash        string `json:"block_hash"`
	BlockNumber      uint64 `json:"block_number,string"`
	ParentHash       string `json:"parent_hash"`
	Timestamp        uint64 `json:"timestamp,string"`
	NumTx            uint64 `json:"num_tx,string"`
	GasUsed          uint64 `json:"gas_used,string"`
	Value            string `json:"value"`
	BuilderValue     string `json:"builder_value,omitempty"`
	FallbackReason   string `json:"fallback_reason,omitempty"`
}

func deliveredPayloadEntryToJSON(entry *database.DeliveredPayloadEntry) DeliveredPayloadJSON {
	return DeliveredPayloadJSON{
		ID:               entry.ID,
		InsertedAt:       entry.InsertedAt.UnixMilli(),
		PayloadID:        entry.PayloadID,
		BuilderPayloadID: entry.BuilderPayloadID,
		Source:           entry.Source,
		BlockHash:        entry.BlockHash,
		BlockNumber:      entry.BlockNumber,
		ParentHash:       entry.ParentHash,
		Timestamp:        entry.Timestamp,
		NumTx:            entry.NumTx,
		GasUsed:          entry.GasUsed,
		Value:            entry.Value,
		BuilderValue:     entry.BuilderValue.String,
		FallbackReason:   entry.FallbackReason,
	}
}

// payloadEventJSON is published on the payloads event stream
type payloadEventJSON struct {
	PayloadID        string `json:"payload_id"`
	BuilderPayloadID string `json:"builder_payload_id,omitempty"`
	Source           string `json:"source"`
	FallbackReason   string `json:"fallback_reason,omitempty"`
	BlockHash        string `json:"block_hash"`
	BlockNumber      uint64 `json:"block_number,string"`
	Value            string `json:"value"`
	BuilderValue     string `json:"builder_value,omitempty"`
	DeliveredAt      int64  `json:"delivered_at_ms,string"`
}

// healthEventJSON is published on the health event stream
type healthEventJSON struct {
	From   common.HealthState   `json:"from"`
	To     common.HealthState   `json:"to"`
	Reason string               `json:"reason"`
	Health common.BuilderHealth `json:"health"`
}
