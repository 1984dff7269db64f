package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/rollup-boost/common"
)

var (
	ErrMissingLocalEngine   = errors.New("local engine client is required")
	ErrMissingBuilderEngine = errors.New("builder engine client is required")
	ErrMissingHealthMonitor = errors.New("health monitor is required")
	ErrMissingCache         = errors.New("payload context cache is required")
	ErrInvalidStalePolicy   = errors.New("invalid stale payload policy")
)

// StalePolicy decides how payload ids older than the configured max age are served
type StalePolicy string

const (
	StalePolicyServe  StalePolicy = "serve"
	StalePolicyLocal  StalePolicy = "local"
	StalePolicyReject StalePolicy = "reject"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(s)); p {
	case StalePolicyServe, StalePolicyLocal, StalePolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %w: %q", common.ErrConfiguration, ErrInvalidStalePolicy, s)
	}
}

// Reasons for serving the local payload instead of the builder payload
const (
	FallbackNoBuilderPayload = "no_builder_payload"
	FallbackBuilderUnhealthy = "builder_unhealthy"
	FallbackStaleContext     = "stale_context"
	FallbackBuilderTimeout   = "builder_timeout"
	FallbackBuilderError     = "builder_error"
	FallbackBuilderMismatch  = "builder_payload_mismatch"
	FallbackInvalid          = "builder_payload_invalid"
	FallbackNotValidated     = "builder_payload_not_validated"
	FallbackValidationError  = "validation_error"
)

// DeliveryEvent describes a payload returned to the consensus client
type DeliveryEvent struct {
	PayloadID        common.PayloadID
	BuilderPayloadID *common.PayloadID
	Source           common.PayloadSource
	FallbackReason   string
	Envelope         *common.ExecutionPayloadEnvelope
	BuilderValue     *hexutil.Big
	DeliveredAt      time.Time
}

type DeliveryListener func(DeliveryEvent)
