package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is the market-data database: universe membership, daily bars,
// refill progress, flows, and job bookkeeping. Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

// Open migrates and returns the store at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&UniverseMember{},
		&DailyPrice{},
		&RefillProgress{},
		&JobRun{},
		&InvestorFlow{},
		&ShortSale{},
		&UniverseChange{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep write contention low while the viewer reads.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying handle for callers that need raw SQL.
func (s *Store) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.db.DB()
}

// ------------------------------ Universe ---------------------------------

// ReplaceUniverse swaps in the new membership atomically and returns the diff
// against the previous membership.
func (s *Store) ReplaceUniverse(ctx context.Context, members []UniverseMember) (added, removed []string, err error) {
	if s == nil || s.db == nil {
		return nil, nil, fmt.Errorf("store not initialized")
	}
	prev, err := s.ListUniverseCodes(ctx)
	if err != nil {
		return nil, nil, err
	}
	prevSet := make(map[string]struct{}, len(prev))
	for _, code := range prev {
		prevSet[code] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(members))
	now := time.Now()
	for i := range members {
		members[i].Code = strings.TrimSpace(members[i].Code)
		members[i].UpdatedAt = now
		nextSet[members[i].Code] = struct{}{}
		if _, ok := prevSet[members[i].Code]; !ok {
			added = append(added, members[i].Code)
		}
	}
	for _, code := range prev {
		if _, ok := nextSet[code]; !ok {
			removed = append(removed, code)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&UniverseMember{}).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

func (s *Store) ListUniverseCodes(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	var codes []string
	err := s.db.WithContext(ctx).Model(&UniverseMember{}).
		Order("rank ASC, code ASC").
		Pluck("code", &codes).Error
	return codes, err
}

func (s *Store) ListUniverse(ctx context.Context) ([]UniverseMember, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	var members []UniverseMember
	err := s.db.WithContext(ctx).Order("rank ASC, code ASC").Find(&members).Error
	return members, err
}

// AppendUniverseChange logs one refresh diff.
func (s *Store) AppendUniverseChange(ctx context.Context, date string, added, removed []string, note string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	addedJSON, _ := json.Marshal(added)
	removedJSON, _ := json.Marshal(removed)
	rec := UniverseChange{
		Date:      date,
		Added:     datatypes.JSON(addedJSON),
		Removed:   datatypes.JSON(removedJSON),
		Note:      strings.TrimSpace(note),
		CreatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *Store) RecentUniverseChanges(ctx context.Context, limit int) ([]UniverseChange, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var changes []UniverseChange
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&changes).Error
	return changes, err
}

// ------------------------------- Prices ----------------------------------

// UpsertDailyPrices writes bars keyed by (code, date), updating existing rows
// so re-collection after a correction is safe.
func (s *Store) UpsertDailyPrices(ctx context.Context, prices []DailyPrice) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(prices) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"open", "high", "low", "close", "volume", "ma25", "disparity", "source",
			}),
		}).
		CreateInBatches(&prices, 200).Error
}

// LastPriceDate returns the newest stored date for a code, empty when none.
func (s *Store) LastPriceDate(ctx context.Context, code string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("store not initialized")
	}
	var row DailyPrice
	err := s.db.WithContext(ctx).
		Where("code = ?", code).
		Order("date DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Date, nil
}

// LoadPrices returns bars for a code in ascending date order, optionally
// bounded by from/to (inclusive, YYYY-MM-DD; empty means unbounded).
func (s *Store) LoadPrices(ctx context.Context, code, from, to string) ([]DailyPrice, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	query := s.db.WithContext(ctx).Where("code = ?", code)
	if from != "" {
		query = query.Where("date >= ?", from)
	}
	if to != "" {
		query = query.Where("date <= ?", to)
	}
	var prices []DailyPrice
	err := query.Order("date ASC").Find(&prices).Error
	return prices, err
}

func (s *Store) CountPrices(ctx context.Context, code string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	var total int64
	query := s.db.WithContext(ctx).Model(&DailyPrice{})
	if code != "" {
		query = query.Where("code = ?", code)
	}
	err := query.Count(&total).Error
	return total, err
}

// StalePriceCodes returns universe codes whose newest bar is older than
// cutoff (YYYY-MM-DD), including codes with no bars at all. Capped at limit
// for the watchdog's refill batches.
func (s *Store) StalePriceCodes(ctx context.Context, cutoff string, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 200
	}
	var codes []string
	err := s.db.WithContext(ctx).
		Table("universe_members").
		Joins("LEFT JOIN daily_prices ON daily_prices.code = universe_members.code").
		Group("universe_members.code").
		Having("MAX(daily_prices.date) IS NULL OR MAX(daily_prices.date) < ?", cutoff).
		Order("universe_members.code ASC").
		Limit(limit).
		Pluck("universe_members.code", &codes).Error
	return codes, err
}

// --------------------------- Refill Progress -----------------------------

func (s *Store) SaveRefillProgress(ctx context.Context, rec RefillProgress) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	rec.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_date", "done", "updated_at"}),
		}).
		Create(&rec).Error
}

func (s *Store) LoadRefillProgress(ctx context.Context, code string) (RefillProgress, bool, error) {
	if s == nil || s.db == nil {
		return RefillProgress{}, false, fmt.Errorf("store not initialized")
	}
	var rec RefillProgress
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RefillProgress{}, false, nil
	}
	if err != nil {
		return RefillProgress{}, false, err
	}
	return rec, true, nil
}

func (s *Store) PendingRefillCodes(ctx context.Context, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 {
		limit = 200
	}
	var codes []string
	err := s.db.WithContext(ctx).Model(&RefillProgress{}).
		Where("done = ?", false).
		Order("code ASC").
		Limit(limit).
		Pluck("code", &codes).Error
	return codes, err
}

// ------------------------------- Job Runs --------------------------------

// StartJob opens a run record and returns its id for FinishJob.
func (s *Store) StartJob(ctx context.Context, name string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}
	rec := JobRun{
		RunID:     uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// FinishJob closes a run with its final status and detail payload.
func (s *Store) FinishJob(ctx context.Context, id int64, status string, detail map[string]any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	detailJSON, _ := json.Marshal(detail)
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&JobRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"detail":      datatypes.JSON(detailJSON),
			"finished_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) RecentJobs(ctx context.Context, name string, limit int) ([]JobRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit)
	if name != "" {
		query = query.Where("name = ?", name)
	}
	var runs []JobRun
	err := query.Find(&runs).Error
	return runs, err
}

// LastSuccessfulJob returns the newest succeeded run of a job, if any.
func (s *Store) LastSuccessfulJob(ctx context.Context, name string) (JobRun, bool, error) {
	if s == nil || s.db == nil {
		return JobRun{}, false, fmt.Errorf("store not initialized")
	}
	var run JobRun
	err := s.db.WithContext(ctx).
		Where("name = ? AND status = ?", name, "ok").
		Order("started_at DESC, id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobRun{}, false, nil
	}
	if err != nil {
		return JobRun{}, false, err
	}
	return run, true, nil
}

// ----------------------------- Flows / Shorts ----------------------------

func (s *Store) UpsertInvestorFlows(ctx context.Context, flows []InvestorFlow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(flows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"foreign_net", "institution_net", "individual_net", "program_net",
			}),
		}).
		CreateInBatches(&flows, 200).Error
}

func (s *Store) LoadInvestorFlows(ctx context.Context, code, from, to string) ([]InvestorFlow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	query := s.db.WithContext(ctx).Where("code = ?", code)
	if from != "" {
		query = query.Where("date >= ?", from)
	}
	if to != "" {
		query = query.Where("date <= ?", to)
	}
	var flows []InvestorFlow
	err := query.Order("date ASC").Find(&flows).Error
	return flows, err
}

func (s *Store) UpsertShortSales(ctx context.Context, rows []ShortSale) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"volume", "value", "ratio"}),
		}).
		CreateInBatches(&rows, 200).Error
}

func (s *Store) LoadShortSales(ctx context.Context, code, from, to string) ([]ShortSale, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	query := s.db.WithContext(ctx).Where("code = ?", code)
	if from != "" {
		query = query.Where("date >= ?", from)
	}
	if to != "" {
		query = query.Where("date <= ?", to)
	}
	var rows []ShortSale
	err := query.Order("date ASC").Find(&rows).Error
	return rows, err
}
