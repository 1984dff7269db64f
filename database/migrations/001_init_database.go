package migrations

import (
	"github.com/flashbots/rollup-boost/database/vars"
	migrate "github.com/rubenv/sql-migrate"
)

var Migration001InitDatabase = &migrate.Migration{
	Id: "001-init-database",
	Up: []string{`
		CREATE TABLE IF NOT EXISTS ` + vars.TableDeliveredPayload + ` (
			id          bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			inserted_at timestamp NOT NULL default current_timestamp,

			payload_id   varchar(18) NOT NULL,
			source       varchar(16) NOT NULL,
			block_hash   varchar(66) NOT NULL,
			block_number bigint NOT NULL,
			parent_hash  varchar(66) NOT NULL,
			timestamp    bigint NOT NULL,

			num_tx   int NOT NULL,
			gas_used bigint NOT NULL,
			value    NUMERIC(48, 0),

			fallback_reason text NOT NULL default '',

			UNIQUE (payload_id, block_hash)
		);

		CREATE INDEX IF NOT EXISTS ` + vars.TableDeliveredPayload + `_block_number_idx ON ` + vars.TableDeliveredPayload + `(block_number);
		CREATE INDEX IF NOT EXISTS ` + vars.TableDeliveredPayload + `_source_idx ON ` + vars.TableDeliveredPayload + `(source);
	`},
	Down: []string{`
		DROP TABLE IF EXISTS ` + vars.TableDeliveredPayload + `;
	`},
	DisableTransactionUp:   false,
	DisableTransactionDown: false,
}
