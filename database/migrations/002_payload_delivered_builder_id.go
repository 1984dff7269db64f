package migrations

import (
	"github.com/flashbots/rollup-boost/database/vars"
	migrate "github.com/rubenv/sql-migrate"
)

var Migration002PayloadDeliveredBuilderID = &migrate.Migration{
	Id: "002-payload-delivered-builder-id",
	Up: []string{`
		ALTER TABLE ` + vars.TableDeliveredPayload + ` ADD builder_payload_id varchar(18) NOT NULL default '';
		ALTER TABLE ` + vars.TableDeliveredPayload + ` ADD builder_value NUMERIC(48, 0);
	`},
	Down: []string{`
		ALTER TABLE ` + vars.TableDeliveredPayload + ` DROP COLUMN builder_payload_id;
		ALTER TABLE ` + vars.TableDeliveredPayload + ` DROP COLUMN builder_value;
	`},
}
