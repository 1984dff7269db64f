package common

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/beacon/engine"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
)

type (
	ForkchoiceState           = engine.ForkchoiceStateV1
	PayloadID                 = engine.PayloadID
	PayloadStatus             = engine.PayloadStatusV1
	ForkchoiceUpdatedResponse = engine.ForkChoiceResponse
	ExecutableData            = engine.ExecutableData
)

// Payload status values as defined by the engine API
const (
	StatusValid    = "VALID"
	StatusInvalid  = "INVALID"
	StatusSyncing  = "SYNCING"
	StatusAccepted = "ACCEPTED"
)

// EngineVersion is the numeric suffix of an engine API method (engine_getPayloadV3 -> 3)
type EngineVersion int

const (
	EngineV1 EngineVersion = iota + 1
	EngineV2
	EngineV3
	EngineV4
)

const (
	MethodForkchoiceUpdated = "engine_forkchoiceUpdated"
	MethodGetPayload        = "engine_getPayload"
	MethodNewPayload        = "engine_newPayload"

	MethodExchangeCapabilities = "engine_exchangeCapabilities"
	MethodChainID              = "eth_chainId"
)

// maxVersion is the highest version we understand per lifecycle method
var maxVersion = map[string]EngineVersion{
	MethodForkchoiceUpdated: EngineV3,
	MethodGetPayload:        EngineV4,
	MethodNewPayload:        EngineV4,
}

// Method returns the versioned method name, i.e. EngineV3.Method(MethodGetPayload) = "engine_getPayloadV3"
func (v EngineVersion) Method(base string) string {
	return fmt.Sprintf("%sV%d", base, v)
}

// ParseEngineMethod splits a lifecycle method into base name and version.
// ok is false for every method the dispatcher does not arbitrate.
func ParseEngineMethod(method string) (base string, version EngineVersion, ok bool) {
	idx := strings.LastIndex(method, "V")
	if idx <= 0 || idx == len(method)-1 {
		return "", 0, false
	}
	base = method[:idx]
	maxV, known := maxVersion[base]
	if !known {
		return "", 0, false
	}
	var v int
	if _, err := fmt.Sscanf(method[idx+1:], "%d", &v); err != nil {
		return "", 0, false
	}
	if v < int(EngineV1) || EngineVersion(v) > maxV || fmt.Sprintf("%d", v) != method[idx+1:] {
		return "", 0, false
	}
	return base, EngineVersion(v), true
}

// PayloadAttributes are the attributes of a forkchoiceUpdated call that asks
// the engine to start building. The JSON received from the consensus client is
// retained and forwarded verbatim, so fields unknown to this struct survive.
type PayloadAttributes struct {
	Timestamp             hexutil.Uint64      `json:"timestamp"`
	PrevRandao            ethcommon.Hash      `json:"prevRandao"`
	SuggestedFeeRecipient ethcommon.Address   `json:"suggestedFeeRecipient"`
	Withdrawals           []*types.Withdrawal `json:"withdrawals,omitempty"`
	ParentBeaconBlockRoot *ethcommon.Hash     `json:"parentBeaconBlockRoot,omitempty"`

	// optimism extensions
	Transactions  []hexutil.Bytes `json:"transactions,omitempty"`
	NoTxPool      bool            `json:"noTxPool,omitempty"`
	GasLimit      *hexutil.Uint64 `json:"gasLimit,omitempty"`
	EIP1559Params hexutil.Bytes   `json:"eip1559Params,omitempty"`

	raw json.RawMessage
}

type payloadAttributesJSON PayloadAttributes

func (a *PayloadAttributes) UnmarshalJSON(input []byte) error {
	var dec payloadAttributesJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	*a = PayloadAttributes(dec)
	a.raw = append(json.RawMessage(nil), input...)
	return nil
}

func (a PayloadAttributes) MarshalJSON() ([]byte, error) {
	if len(a.raw) > 0 {
		return a.raw, nil
	}
	return json.Marshal(payloadAttributesJSON(a))
}

// ExecutionPayloadEnvelope is the result of engine_getPayload. For V1 the
// engine returns the bare execution payload, which is wrapped here with no
// other fields set. Raw() returns the bytes exactly as the engine sent them.
type ExecutionPayloadEnvelope struct {
	ExecutionPayload      *ExecutableData       `json:"executionPayload"`
	BlockValue            *hexutil.Big          `json:"blockValue,omitempty"`
	BlobsBundle           *engine.BlobsBundleV1 `json:"blobsBundle,omitempty"`
	ExecutionRequests     []hexutil.Bytes       `json:"executionRequests,omitempty"`
	ShouldOverrideBuilder bool                  `json:"shouldOverrideBuilder,omitempty"`
	ParentBeaconBlockRoot *ethcommon.Hash       `json:"parentBeaconBlockRoot,omitempty"`

	raw        json.RawMessage
	rawPayload json.RawMessage
}

type envelopeRawJSON struct {
	ExecutionPayload json.RawMessage `json:"executionPayload"`
}

// DecodeExecutionPayloadEnvelope decodes a getPayload result for the given version.
// Shape errors are reported as ErrProtocol.
func DecodeExecutionPayloadEnvelope(version EngineVersion, raw json.RawMessage) (*ExecutionPayloadEnvelope, error) {
	raw = append(json.RawMessage(nil), raw...)

	if version == EngineV1 {
		payload := new(ExecutableData)
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, fmt.Errorf("%w: decode execution payload: %s", ErrProtocol, err.Error())
		}
		return &ExecutionPayloadEnvelope{ExecutionPayload: payload, raw: raw, rawPayload: raw}, nil
	}

	env := new(ExecutionPayloadEnvelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: decode payload envelope: %s", ErrProtocol, err.Error())
	}
	if env.ExecutionPayload == nil {
		return nil, fmt.Errorf("%w: payload envelope without executionPayload", ErrProtocol)
	}

	var fields envelopeRawJSON
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: decode payload envelope: %s", ErrProtocol, err.Error())
	}
	env.raw = raw
	env.rawPayload = fields.ExecutionPayload
	return env, nil
}

// NewExecutionPayloadEnvelope builds an envelope from decoded values, used
// where no wire bytes exist (tests, mocks)
func NewExecutionPayloadEnvelope(version EngineVersion, payload *ExecutableData, blockValue *hexutil.Big) (*ExecutionPayloadEnvelope, error) {
	var (
		raw []byte
		err error
	)
	if version == EngineV1 {
		raw, err = json.Marshal(payload)
	} else {
		raw, err = json.Marshal(&ExecutionPayloadEnvelope{ExecutionPayload: payload, BlockValue: blockValue})
	}
	if err != nil {
		return nil, err
	}
	return DecodeExecutionPayloadEnvelope(version, raw)
}

// Raw returns the getPayload result as received from the engine
func (e *ExecutionPayloadEnvelope) Raw() json.RawMessage {
	return e.raw
}

// RawPayload returns the executionPayload object as received from the engine
func (e *ExecutionPayloadEnvelope) RawPayload() json.RawMessage {
	return e.rawPayload
}

func (e *ExecutionPayloadEnvelope) BlockHash() ethcommon.Hash {
	return e.ExecutionPayload.BlockHash
}

// VersionedHashes derives the blob versioned hashes from the bundle commitments
func (e *ExecutionPayloadEnvelope) VersionedHashes() []ethcommon.Hash {
	hashes := []ethcommon.Hash{}
	if e.BlobsBundle == nil {
		return hashes
	}
	hasher := sha256.New()
	for _, c := range e.BlobsBundle.Commitments {
		var commitment kzg4844.Commitment
		copy(commitment[:], c)
		hashes = append(hashes, ethcommon.Hash(kzg4844.CalcBlobHashV1(hasher, &commitment)))
	}
	return hashes
}

// PayloadValue returns the block value in wei, zero if the engine did not report one
func (e *ExecutionPayloadEnvelope) PayloadValue() *hexutil.Big {
	if e.BlockValue == nil {
		return new(hexutil.Big)
	}
	return e.BlockValue
}
