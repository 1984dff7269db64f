// Package engine provides the execution engine API client used for the local and builder engines
package engine

import (
	"context"
	"encoding/json"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/rollup-boost/common"
)

const (
	NameLocal   = "l2"
	NameBuilder = "builder"
)

// IEngineClient is a handle to one execution engine. Every call is bounded by
// the client's deadline and fails with common.ErrTimeout, common.ErrTransport,
// common.ErrProtocol or a *common.RPCError if the engine rejected the call.
// No call is retried.
type IEngineClient interface {
	ForkchoiceUpdated(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error)
	GetPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error)
	NewPayload(ctx context.Context, version common.EngineVersion, req *NewPayloadRequest) (*common.PayloadStatus, error)

	// Forward sends any method with its params untouched and returns the raw result
	Forward(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)

	Name() string
	GetURI() string
}

// NewPayloadRequest holds the arguments of engine_newPayload. Payload is the
// JSON of the execution payload, sent as is.
type NewPayloadRequest struct {
	Payload               json.RawMessage
	BlockHash             ethcommon.Hash
	BlockNumber           uint64
	VersionedHashes       []ethcommon.Hash
	ParentBeaconBlockRoot *ethcommon.Hash
	ExecutionRequests     []hexutil.Bytes
}

// NewPayloadRequestFromEnvelope builds the validation request for a payload
// returned by getPayload. parentBeaconBlockRoot comes from the attributes the
// payload was built for.
func NewPayloadRequestFromEnvelope(env *common.ExecutionPayloadEnvelope, parentBeaconBlockRoot *ethcommon.Hash) *NewPayloadRequest {
	req := &NewPayloadRequest{
		Payload:               env.RawPayload(),
		BlockHash:             env.BlockHash(),
		BlockNumber:           env.ExecutionPayload.Number,
		VersionedHashes:       env.VersionedHashes(),
		ParentBeaconBlockRoot: parentBeaconBlockRoot,
		ExecutionRequests:     env.ExecutionRequests,
	}
	if req.ParentBeaconBlockRoot == nil {
		req.ParentBeaconBlockRoot = env.ParentBeaconBlockRoot
	}
	return req
}

// params returns the positional parameters for the given newPayload version
func (r *NewPayloadRequest) params(version common.EngineVersion) []any {
	switch version {
	case common.EngineV1, common.EngineV2:
		return []any{r.Payload}
	case common.EngineV3:
		return []any{r.Payload, r.versionedHashes(), r.ParentBeaconBlockRoot}
	default:
		requests := r.ExecutionRequests
		if requests == nil {
			requests = []hexutil.Bytes{}
		}
		return []any{r.Payload, r.versionedHashes(), r.ParentBeaconBlockRoot, requests}
	}
}

func (r *NewPayloadRequest) versionedHashes() []ethcommon.Hash {
	if r.VersionedHashes == nil {
		return []ethcommon.Hash{}
	}
	return r.VersionedHashes
}

// SupportedMethods are announced in engine_exchangeCapabilities
func SupportedMethods() []string {
	methods := []string{}
	for _, base := range []string{common.MethodForkchoiceUpdated, common.MethodGetPayload, common.MethodNewPayload} {
		for v := common.EngineV1; v <= common.EngineV4; v++ {
			if _, _, ok := common.ParseEngineMethod(v.Method(base)); ok {
				methods = append(methods, v.Method(base))
			}
		}
	}
	return methods
}
