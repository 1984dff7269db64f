package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flashbots/rollup-boost/common"
	uberatomic "go.uber.org/atomic"
)

var _ IEngineClient = (*MockEngineClient)(nil)

// MockEngineClient is an in-memory engine. Responses come from the Mock* fields,
// or from the *Fn hooks when set. ResponseDelay is honoured against the context.
type MockEngineClient struct {
	mu sync.RWMutex

	name string

	MockForkchoiceStatus string
	MockForkchoiceErr    error
	MockPayloadID        *common.PayloadID

	MockPayload    *common.ExecutionPayloadEnvelope
	MockGetPayloadErr error

	MockNewPayloadStatus string
	MockNewPayloadErr    error

	MockForwardResult json.RawMessage
	MockForwardErr    error

	ForkchoiceFn func(version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error)
	GetPayloadFn func(version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error)
	NewPayloadFn func(version common.EngineVersion, req *NewPayloadRequest) (*common.PayloadStatus, error)

	ResponseDelay time.Duration

	ForkchoiceCalls uberatomic.Int64
	GetPayloadCalls uberatomic.Int64
	NewPayloadCalls uberatomic.Int64
	ForwardCalls    uberatomic.Int64

	lastNewPayload *NewPayloadRequest
	lastForward    string
}

func NewMockEngineClient(name string) *MockEngineClient {
	return &MockEngineClient{
		name:                 name,
		MockForkchoiceStatus: common.StatusValid,
		MockNewPayloadStatus: common.StatusValid,
		MockForwardResult:    json.RawMessage(`true`),
	}
}

func (c *MockEngineClient) Name() string {
	return c.name
}

func (c *MockEngineClient) GetURI() string {
	return fmt.Sprintf("mock://%s", c.name)
}

func (c *MockEngineClient) addDelay(ctx context.Context) error {
	if c.ResponseDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.ResponseDelay):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", common.ErrTimeout, ctx.Err().Error())
	}
}

func (c *MockEngineClient) ForkchoiceUpdated(ctx context.Context, version common.EngineVersion, state common.ForkchoiceState, attrs *common.PayloadAttributes) (*common.ForkchoiceUpdatedResponse, error) {
	c.ForkchoiceCalls.Inc()
	if err := c.addDelay(ctx); err != nil {
		return nil, err
	}
	if c.ForkchoiceFn != nil {
		return c.ForkchoiceFn(version, state, attrs)
	}
	if c.MockForkchoiceErr != nil {
		return nil, c.MockForkchoiceErr
	}

	resp := &common.ForkchoiceUpdatedResponse{
		PayloadStatus: common.PayloadStatus{Status: c.MockForkchoiceStatus, LatestValidHash: &state.HeadBlockHash},
	}
	if attrs != nil && c.MockForkchoiceStatus == common.StatusValid && c.MockPayloadID != nil {
		id := *c.MockPayloadID
		resp.PayloadID = &id
	}
	return resp, nil
}

func (c *MockEngineClient) GetPayload(ctx context.Context, version common.EngineVersion, payloadID common.PayloadID) (*common.ExecutionPayloadEnvelope, error) {
	c.GetPayloadCalls.Inc()
	if err := c.addDelay(ctx); err != nil {
		return nil, err
	}
	if c.GetPayloadFn != nil {
		return c.GetPayloadFn(version, payloadID)
	}
	if c.MockGetPayloadErr != nil {
		return nil, c.MockGetPayloadErr
	}
	if c.MockPayload == nil {
		return nil, common.NewRPCError(common.CodeUnknownPayload, "Unknown payload")
	}
	return c.MockPayload, nil
}

func (c *MockEngineClient) NewPayload(ctx context.Context, version common.EngineVersion, req *NewPayloadRequest) (*common.PayloadStatus, error) {
	c.NewPayloadCalls.Inc()
	c.mu.Lock()
	c.lastNewPayload = req
	c.mu.Unlock()

	if err := c.addDelay(ctx); err != nil {
		return nil, err
	}
	if c.NewPayloadFn != nil {
		return c.NewPayloadFn(version, req)
	}
	if c.MockNewPayloadErr != nil {
		return nil, c.MockNewPayloadErr
	}
	hash := req.BlockHash
	return &common.PayloadStatus{Status: c.MockNewPayloadStatus, LatestValidHash: &hash}, nil
}

func (c *MockEngineClient) Forward(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	c.ForwardCalls.Inc()
	c.mu.Lock()
	c.lastForward = method
	c.mu.Unlock()

	if err := c.addDelay(ctx); err != nil {
		return nil, err
	}
	if c.MockForwardErr != nil {
		return nil, c.MockForwardErr
	}
	return c.MockForwardResult, nil
}

// LastNewPayload returns the last validation request received
func (c *MockEngineClient) LastNewPayload() *NewPayloadRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastNewPayload
}

// LastForward returns the method of the last forwarded call
func (c *MockEngineClient) LastForward() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastForward
}
