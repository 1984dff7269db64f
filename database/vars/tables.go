// Package vars contains the database variables such as dynamic table names
package vars

import "github.com/flashbots/rollup-boost/config"

var (
	tableBase = config.GetString(config.DBTablePrefix)

	TableMigrations       = tableBase + "_migrations"
	TableDeliveredPayload = tableBase + "_payload_delivered"
)
