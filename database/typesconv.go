package database

import (
	"github.com/flashbots/rollup-boost/common"
)

// DeliveredPayloadToEntry converts a delivered payload into its database row.
// builderValue is the value of the competing builder payload, if one was fetched.
func DeliveredPayloadToEntry(payloadID common.PayloadID, builderPayloadID *common.PayloadID, source common.PayloadSource, fallbackReason string, env *common.ExecutionPayloadEnvelope, builderValue *string) *DeliveredPayloadEntry {
	entry := &DeliveredPayloadEntry{
		PayloadID:      payloadID.String(),
		Source:         source.String(),
		BlockHash:      env.BlockHash().Hex(),
		BlockNumber:    env.ExecutionPayload.Number,
		ParentHash:     env.ExecutionPayload.ParentHash.Hex(),
		Timestamp:      env.ExecutionPayload.Timestamp,
		NumTx:          uint64(len(env.ExecutionPayload.Transactions)),
		GasUsed:        env.ExecutionPayload.GasUsed,
		Value:          env.PayloadValue().ToInt().String(),
		FallbackReason: fallbackReason,
	}
	if builderPayloadID != nil {
		entry.BuilderPayloadID = builderPayloadID.String()
	}
	if builderValue != nil {
		entry.BuilderValue.String = *builderValue
		entry.BuilderValue.Valid = true
	}
	return entry
}
