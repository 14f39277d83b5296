package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"rfidgw/internal/model"
)

const (
	serialNoQuery = `SELECT name, item_code FROM serial_numbers WHERE rfid_tag = $1 LIMIT 1`
	assetQuery    = `SELECT name, item_code FROM assets WHERE rfid_tag = $1 LIMIT 1`
)

// PostgresLookup reads serial numbers and assets from Postgres.
type PostgresLookup struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresLookup(db *sql.DB, logger *zap.Logger) *PostgresLookup {
	return &PostgresLookup{db: db, logger: logger}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (p *PostgresLookup) SerialNo(ctx context.Context, tagID string) (*model.InventoryRef, error) {
	return p.queryOne(ctx, serialNoQuery, tagID, SourceSerialNo)
}

func (p *PostgresLookup) Asset(ctx context.Context, tagID string) (*model.InventoryRef, error) {
	return p.queryOne(ctx, assetQuery, tagID, SourceAsset)
}

func (p *PostgresLookup) queryOne(ctx context.Context, query, tagID, source string) (*model.InventoryRef, error) {
	var name string
	var itemCode sql.NullString
	err := p.db.QueryRowContext(ctx, query, tagID).Scan(&name, &itemCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s for tag %s: %w", source, tagID, err)
	}
	p.logger.Debug("inventory match", zap.String("tag_id", tagID), zap.String("source", source), zap.String("name", name))
	return &model.InventoryRef{ItemID: name, ItemCode: itemCode.String, Source: source}, nil
}
