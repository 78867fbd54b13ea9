package store

import (
	"time"

	"gorm.io/datatypes"
)

// UniverseMember is one code currently tracked for collection. Rank carries
// the market-cap ordering from the last universe refresh.
type UniverseMember struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	Code      string    `gorm:"column:code;uniqueIndex"`
	Name      string    `gorm:"column:name"`
	Market    string    `gorm:"column:market;index"`
	Rank      int       `gorm:"column:rank"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (UniverseMember) TableName() string { return "universe_members" }

// DailyPrice is one adjusted daily bar plus the derived indicator columns the
// signal engine reads. Date is YYYY-MM-DD.
type DailyPrice struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	Code      string  `gorm:"column:code;uniqueIndex:idx_price_code_date;index"`
	Date      string  `gorm:"column:date;uniqueIndex:idx_price_code_date;index"`
	Open      float64 `gorm:"column:open"`
	High      float64 `gorm:"column:high"`
	Low       float64 `gorm:"column:low"`
	Close     float64 `gorm:"column:close"`
	Volume    int64   `gorm:"column:volume"`
	MA25      float64 `gorm:"column:ma25"`
	Disparity float64 `gorm:"column:disparity"`
	Source    string  `gorm:"column:source"`
}

func (DailyPrice) TableName() string { return "daily_prices" }

// RefillProgress tracks how far the historical backfill has reached per code
// so an interrupted refill resumes instead of restarting.
type RefillProgress struct {
	Code      string    `gorm:"column:code;primaryKey"`
	LastDate  string    `gorm:"column:last_date"`
	Done      bool      `gorm:"column:done"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (RefillProgress) TableName() string { return "refill_progress" }

// JobRun records one execution of a named batch job for the viewer and the
// watchdog freshness checks.
type JobRun struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	RunID      string         `gorm:"column:run_id;uniqueIndex"`
	Name       string         `gorm:"column:name;index"`
	Status     string         `gorm:"column:status"`
	Detail     datatypes.JSON `gorm:"column:detail"`
	StartedAt  time.Time      `gorm:"column:started_at;index"`
	FinishedAt *time.Time     `gorm:"column:finished_at"`
}

func (JobRun) TableName() string { return "job_runs" }

// InvestorFlow is one day's net purchase totals by investor category.
type InvestorFlow struct {
	ID          int64  `gorm:"column:id;primaryKey"`
	Code        string `gorm:"column:code;uniqueIndex:idx_flow_code_date;index"`
	Date        string `gorm:"column:date;uniqueIndex:idx_flow_code_date"`
	Foreign     int64  `gorm:"column:foreign_net"`
	Institution int64  `gorm:"column:institution_net"`
	Individual  int64  `gorm:"column:individual_net"`
	Program     int64  `gorm:"column:program_net"`
}

func (InvestorFlow) TableName() string { return "investor_flows" }

// ShortSale is one day's short-selling volume for a code.
type ShortSale struct {
	ID     int64   `gorm:"column:id;primaryKey"`
	Code   string  `gorm:"column:code;uniqueIndex:idx_short_code_date;index"`
	Date   string  `gorm:"column:date;uniqueIndex:idx_short_code_date"`
	Volume int64   `gorm:"column:volume"`
	Value  int64   `gorm:"column:value"`
	Ratio  float64 `gorm:"column:ratio"`
}

func (ShortSale) TableName() string { return "short_sales" }

// UniverseChange logs one refresh diff; Added and Removed hold JSON arrays of
// codes for the viewer.
type UniverseChange struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	Date      string         `gorm:"column:date;index"`
	Added     datatypes.JSON `gorm:"column:added"`
	Removed   datatypes.JSON `gorm:"column:removed"`
	Note      string         `gorm:"column:note"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (UniverseChange) TableName() string { return "universe_changes" }
