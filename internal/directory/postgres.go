package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guided-traffic/s3-bucket-proxy/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// bucketRow mirrors one row of the buckets table. Credential columns are
// nullable so an incomplete row is reported as an invalid record rather than
// a missing bucket.
type bucketRow struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex;not null"`
	Endpoint        sql.NullString
	AccessKeyID     sql.NullString
	SecretAccessKey sql.NullString
	Region          sql.NullString
}

// Postgres reads bucket records from a SQL table through gorm.
type Postgres struct {
	db    *gorm.DB
	table string
}

// NewPostgres opens a connection using the configured DSN.
func NewPostgres(cfg config.PostgresDirectoryConfig) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgresWithDB(db, cfg.Table), nil
}

// NewPostgresWithDB wraps an existing gorm handle.
func NewPostgresWithDB(db *gorm.DB, table string) *Postgres {
	if table == "" {
		table = "buckets"
	}
	return &Postgres{db: db, table: table}
}

// Lookup returns the record for name.
func (p *Postgres) Lookup(ctx context.Context, name string) ([]byte, error) {
	var row bucketRow
	err := p.db.WithContext(ctx).
		Table(p.table).
		Select("name", "endpoint", "access_key_id", "secret_access_key", "region").
		Where("name = ?", name).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres lookup failed: %w", err)
	}

	return json.Marshal(row.record())
}

// record keeps only the non-NULL columns; bucket.Decode rejects what is missing.
func (r bucketRow) record() map[string]string {
	record := make(map[string]string, 4)
	for key, col := range map[string]sql.NullString{
		"endpoint":        r.Endpoint,
		"accessKeyId":     r.AccessKeyID,
		"secretAccessKey": r.SecretAccessKey,
		"region":          r.Region,
	} {
		if col.Valid {
			record[key] = col.String
		}
	}
	return record
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
