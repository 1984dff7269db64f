package datastore

import (
	"context"
	"time"

	"github.com/flashbots/rollup-boost/common"
	"github.com/flashbots/rollup-boost/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

// PayloadStage is the lifecycle position of a payload id
type PayloadStage int

const (
	StageBuilding  PayloadStage = iota // forkchoice with attributes accepted
	StageRetrieved                     // payload fetched from a source
	StageSubmitted                     // payload validated and handed to the consensus client
)

func (s PayloadStage) String() string {
	switch s {
	case StageBuilding:
		return "building"
	case StageRetrieved:
		return "retrieved"
	case StageSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// PayloadContext correlates a getPayload call with the forkchoiceUpdated call that started the build
type PayloadContext struct {
	LocalID    common.PayloadID
	BuilderID  *common.PayloadID
	State      common.ForkchoiceState
	Attributes *common.PayloadAttributes
	Version    common.EngineVersion
	CreatedAt  time.Time

	// stage is shared by all copies of the context, set by Put
	stage *uberatomic.Int32
}

// Stage returns the lifecycle position of the payload id
func (pc *PayloadContext) Stage() PayloadStage {
	if pc.stage == nil {
		return StageBuilding
	}
	return PayloadStage(pc.stage.Load())
}

// DeliveredPayload is the payload first returned for a payload id
type DeliveredPayload struct {
	Envelope       *common.ExecutionPayloadEnvelope
	Source         common.PayloadSource
	FallbackReason string
}

// PayloadContextCache is a bounded LRU of payload contexts keyed by the local payload id,
// plus a memo of delivered payloads of the same capacity
type PayloadContextCache struct {
	log       *logrus.Entry
	contexts  *lru.Cache[common.PayloadID, PayloadContext]
	delivered *lru.Cache[common.PayloadID, DeliveredPayload]
	maxAge    time.Duration
	now       func() time.Time
}

// NewPayloadContextCache creates the cache. maxAge of 0 disables the staleness check.
func NewPayloadContextCache(log *logrus.Entry, size int, maxAge time.Duration) (*PayloadContextCache, error) {
	c := &PayloadContextCache{
		log:    log.WithField("component", "payloadContextCache"),
		maxAge: maxAge,
		now:    time.Now,
	}

	var err error
	c.contexts, err = lru.NewWithEvict[common.PayloadID, PayloadContext](size, func(id common.PayloadID, _ PayloadContext) {
		metrics.IncPayloadCache(context.Background(), "evict")
		c.log.WithField("payloadId", id.String()).Debug("payload context evicted")
	})
	if err != nil {
		return nil, err
	}
	c.delivered, err = lru.New[common.PayloadID, DeliveredPayload](size)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Put stores the context under its local payload id. CreatedAt is set if zero.
func (c *PayloadContextCache) Put(pc PayloadContext) {
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = c.now()
	}
	pc.stage = uberatomic.NewInt32(int32(StageBuilding))
	c.contexts.Add(pc.LocalID, pc)
	c.delivered.Remove(pc.LocalID)
}

// Get returns a copy of the context for id. Unknown ids fail with ErrPayloadContextNotFound.
// Contexts older than maxAge are returned together with ErrPayloadContextStale.
func (c *PayloadContextCache) Get(id common.PayloadID) (*PayloadContext, error) {
	pc, ok := c.contexts.Get(id)
	if !ok {
		metrics.IncPayloadCache(context.Background(), "miss")
		return nil, common.ErrPayloadContextNotFound
	}
	if c.maxAge > 0 && c.now().Sub(pc.CreatedAt) > c.maxAge {
		metrics.IncPayloadCache(context.Background(), "stale")
		return &pc, common.ErrPayloadContextStale
	}
	metrics.IncPayloadCache(context.Background(), "hit")
	return &pc, nil
}

// SetStage advances the stage of a cached context. Missing ids are ignored, the
// context itself and its position in the LRU are left untouched.
func (c *PayloadContextCache) SetStage(id common.PayloadID, stage PayloadStage) {
	pc, ok := c.contexts.Peek(id)
	if !ok || pc.stage == nil {
		return
	}
	for {
		cur := pc.stage.Load()
		if PayloadStage(cur) >= stage || pc.stage.CompareAndSwap(cur, int32(stage)) {
			return
		}
	}
}

// SaveDelivered memoises the payload returned for id
func (c *PayloadContextCache) SaveDelivered(id common.PayloadID, payload DeliveredPayload) {
	c.delivered.Add(id, payload)
}

// GetDelivered returns the memoised payload for id
func (c *PayloadContextCache) GetDelivered(id common.PayloadID) (*DeliveredPayload, bool) {
	payload, ok := c.delivered.Get(id)
	if !ok {
		return nil, false
	}
	return &payload, true
}

func (c *PayloadContextCache) Len() int {
	return c.contexts.Len()
}
