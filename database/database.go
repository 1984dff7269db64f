// Package database exposes the postgres database
package database

import (
	"fmt"
	"os"
	"strings"

	"github.com/flashbots/rollup-boost/database/migrations"
	"github.com/flashbots/rollup-boost/database/vars"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
)

type IDatabaseService interface {
	SaveDeliveredPayload(entry *DeliveredPayloadEntry) error
	GetRecentDeliveredPayloads(filters GetPayloadsFilters) ([]*DeliveredPayloadEntry, error)
	GetNumDeliveredPayloads() (uint64, error)
	Close() error
}

type DatabaseService struct {
	DB *sqlx.DB
}

func NewDatabaseService(dsn string) (*DatabaseService, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.DB.SetMaxOpenConns(10)
	db.DB.SetMaxIdleConns(5)
	db.DB.SetConnMaxIdleTime(0)

	if os.Getenv("DB_DONT_APPLY_SCHEMA") == "" {
		migrate.SetTable(vars.TableMigrations)
		_, err := migrate.Exec(db.DB, "postgres", migrations.Migrations, migrate.Up)
		if err != nil {
			return nil, errors.Wrap(err, "failed to apply migrations")
		}
	}

	return &DatabaseService{
		DB: db,
	}, nil
}

func (s *DatabaseService) Close() error {
	return s.DB.Close()
}

func (s *DatabaseService) SaveDeliveredPayload(entry *DeliveredPayloadEntry) error {
	query := `INSERT INTO ` + vars.TableDeliveredPayload + ` (payload_id, builder_payload_id, source, block_hash, block_number, parent_hash, timestamp, num_tx, gas_used, value, builder_value, fallback_reason) VALUES (:payload_id, :builder_payload_id, :source, :block_hash, :block_number, :parent_hash, :timestamp, :num_tx, :gas_used, :value, :builder_value, :fallback_reason) ON CONFLICT DO NOTHING`
	_, err := s.DB.NamedExec(query, entry)
	return errors.Wrap(err, "failed to save delivered payload")
}

func (s *DatabaseService) GetRecentDeliveredPayloads(filters GetPayloadsFilters) ([]*DeliveredPayloadEntry, error) {
	arg := map[string]interface{}{
		"limit":        filters.Limit,
		"cursor":       filters.Cursor,
		"payload_id":   filters.PayloadID,
		"source":       filters.Source,
		"block_hash":   filters.BlockHash,
		"block_number": filters.BlockNumber,
	}

	entries := []*DeliveredPayloadEntry{}
	fields := "id, inserted_at, payload_id, builder_payload_id, source, block_hash, block_number, parent_hash, timestamp, num_tx, gas_used, value, builder_value, fallback_reason"

	whereConds := []string{}
	if filters.Cursor > 0 {
		whereConds = append(whereConds, "id <= :cursor")
	}
	if filters.PayloadID != "" {
		whereConds = append(whereConds, "payload_id = :payload_id")
	}
	if filters.Source != "" {
		whereConds = append(whereConds, "source = :source")
	}
	if filters.BlockHash != "" {
		whereConds = append(whereConds, "block_hash = :block_hash")
	}
	if filters.BlockNumber > 0 {
		whereConds = append(whereConds, "block_number = :block_number")
	}

	where := ""
	if len(whereConds) > 0 {
		where = "WHERE " + strings.Join(whereConds, " AND ")
	}

	query := fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id DESC LIMIT :limit", fields, vars.TableDeliveredPayload, where)
	rows, err := s.DB.NamedQuery(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		entry := new(DeliveredPayloadEntry)
		if err := rows.StructScan(entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *DatabaseService) GetNumDeliveredPayloads() (count uint64, err error) {
	query := `SELECT COUNT(*) FROM ` + vars.TableDeliveredPayload + `;`
	row := s.DB.QueryRow(query)
	err = row.Scan(&count)
	return count, err
}
