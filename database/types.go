package database

import (
	"database/sql"
	"time"
)

type GetPayloadsFilters struct {
	Cursor      uint64
	Limit       uint64
	PayloadID   string
	Source      string
	BlockHash   string
	BlockNumber uint64
}

// DeliveredPayloadEntry is one payload returned to the consensus client
type DeliveredPayloadEntry struct {
	ID         uint64    `db:"id"          json:"id"`
	InsertedAt time.Time `db:"inserted_at" json:"inserted_at"`

	PayloadID        string `db:"payload_id"         json:"payload_id"`
	BuilderPayloadID string `db:"builder_payload_id" json:"builder_payload_id,omitempty"`
	Source           string `db:"source"             json:"source"`

	BlockHash   string `db:"block_hash"   json:"block_hash"`
	BlockNumber uint64 `db:"block_number" json:"block_number,string"`
	ParentHash  string `db:"parent_hash"  json:"parent_hash"`
	Timestamp   uint64 `db:"timestamp"    json:"timestamp,string"`

	NumTx   uint64 `db:"num_tx"   json:"num_tx,string"`
	GasUsed uint64 `db:"gas_used" json:"gas_used,string"`

	Value        string         `db:"value"         json:"value"`
	BuilderValue sql.NullString `db:"builder_value" json:"-"`

	FallbackReason string `db:"fallback_reason" json:"fallback_reason,omitempty"`
}
