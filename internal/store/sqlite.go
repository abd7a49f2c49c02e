package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourorg/vol-oracle/internal/model"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type observationRow struct {
	Ticker    string `gorm:"primaryKey;size:32"`
	Timestamp int64  `gorm:"primaryKey;autoIncrement:false"`
	Value     float64
}

func (observationRow) TableName() string { return "observations" }

type modelRow struct {
	Ticker       string `gorm:"primaryKey;size:32"`
	FitTimestamp int64
	Payload      datatypes.JSON
	UpdatedAt    time.Time
}

func (modelRow) TableName() string { return "fitted_models" }

// SQLRepository persists observations and fitted models in SQLite through gorm
type SQLRepository struct {
	db *gorm.DB
}

// NewSQLRepository opens (and migrates) the SQLite database at path
func NewSQLRepository(path string) (*SQLRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sql repository: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sql repository: create dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sql repository: open: %w", err)
	}
	if err := db.AutoMigrate(&observationRow{}, &modelRow{}); err != nil {
		return nil, fmt.Errorf("sql repository: migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a couple of connections is enough for concurrent reads
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &SQLRepository{db: db}, nil
}

// Close releases the underlying connection pool
func (r *SQLRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadObservations returns the stored observations for ticker in time order
func (r *SQLRepository) LoadObservations(ctx context.Context, ticker string) ([]model.Observation, error) {
	var rows []observationRow
	err := r.db.WithContext(ctx).
		Where("ticker = ?", ticker).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Observation, len(rows))
	for i, row := range rows {
		out[i] = model.Observation{Timestamp: time.Unix(0, row.Timestamp).UTC(), Value: row.Value}
	}
	return out, nil
}

// SaveObservations inserts observations, ignoring timestamps already stored
func (r *SQLRepository) SaveObservations(ctx context.Context, ticker string, observations []model.Observation) error {
	if len(observations) == 0 {
		return nil
	}
	rows := make([]observationRow, len(observations))
	for i, o := range observations {
		rows[i] = observationRow{Ticker: ticker, Timestamp: o.Timestamp.UnixNano(), Value: o.Value}
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500).Error
}

// LoadModel returns the saved model for ticker, nil when there is none
func (r *SQLRepository) LoadModel(ctx context.Context, ticker string) (*model.FittedModel, error) {
	var row modelRow
	err := r.db.WithContext(ctx).Where("ticker = ?", ticker).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m model.FittedModel
	if err := json.Unmarshal(row.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode model payload: %w", err)
	}
	return &m, nil
}

// SaveModel upserts the model as the ticker's latest
func (r *SQLRepository) SaveModel(ctx context.Context, m *model.FittedModel) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model payload: %w", err)
	}
	row := modelRow{
		Ticker:       m.Ticker,
		FitTimestamp: m.FitTimestamp.UnixNano(),
		Payload:      datatypes.JSON(payload),
		UpdatedAt:    time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}
