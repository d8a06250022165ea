package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultGormTableName = "mutex_refs"
	defaultGormOpTimeout = 5 * time.Second
)

// nowMillisExpr yields the database's current time in epoch milliseconds,
// keyed by dialector name.
var nowMillisExpr = map[string]string{
	"sqlite":   "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
	"mysql":    "CAST(UNIX_TIMESTAMP(NOW(3)) * 1000 AS SIGNED)",
	"postgres": "CAST(EXTRACT(EPOCH FROM CLOCK_TIMESTAMP()) * 1000 AS BIGINT)",
}

// gormRef is the row stored for every record.
type gormRef struct {
	Name        string `gorm:"primaryKey;column:name;size:255"`
	WorkflowID  string `gorm:"column:workflow_id"`
	JobID       string `gorm:"column:job_id"`
	ReportedMs  int64  `gorm:"column:reported_at_ms"`
	ContentHash string `gorm:"column:content_hash"`
	Holder      string `gorm:"column:holder;index"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// GormStore implements RefStore on a SQL table through GORM. The primary key
// on name provides create-if-absent and the database clock stamps creation.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	nowExpr   string
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	nowExpr   string
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormNowExpr overrides the SQL expression used to read the database
// clock in epoch milliseconds. Needed for dialects other than sqlite, mysql
// and postgres.
func WithGormNowExpr(expr string) GormOption {
	return func(o *gormStoreOptions) {
		o.nowExpr = expr
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// The table is created when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nowExpr == "" {
		expr, ok := nowMillisExpr[db.Dialector.Name()]
		if !ok {
			return nil, fmt.Errorf("gorm store: no clock expression for dialect %q", db.Dialector.Name())
		}
		o.nowExpr = expr
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormRef{}); err != nil {
			return nil, fmt.Errorf("gorm store: migrate %s: %w", o.tableName, err)
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		nowExpr:   o.nowExpr,
	}, nil
}

// Create implements RefStore.Create.
func (s *GormStore) Create(ctx context.Context, name string, meta Metadata) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := map[string]interface{}{
		"name":           name,
		"workflow_id":    meta.WorkflowID,
		"job_id":         meta.JobID,
		"reported_at_ms": meta.CreatedAtMs,
		"content_hash":   meta.ContentHash,
		"holder":         meta.Holder,
		"created_at_ms":  gorm.Expr(s.nowExpr),
	}
	res := s.db.WithContext(cctx).Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return gormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return warperrors.ErrAlreadyExists
	}
	return nil
}

// Delete implements RefStore.Delete.
func (s *GormStore) Delete(ctx context.Context, name string) error {
	return s.delete(ctx, "name = ?", name)
}

// CompareAndDelete implements CompareAndDeleter.
func (s *GormStore) CompareAndDelete(ctx context.Context, name, holder string) error {
	return s.delete(ctx, "name = ? AND holder = ?", name, holder)
}

func (s *GormStore) delete(ctx context.Context, query string, args ...interface{}) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := s.db.WithContext(cctx).Table(s.tableName).Where(query, args...).Delete(&gormRef{})
	if res.Error != nil {
		return gormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return warperrors.ErrNotFound
	}
	return nil
}

// Read implements RefStore.Read.
func (s *GormStore) Read(ctx context.Context, name string) (Record, error) {
	if err := ctxErr(ctx); err != nil {
		return Record{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormRef
	err := s.db.WithContext(cctx).Table(s.tableName).First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, warperrors.ErrNotFound
	}
	if err != nil {
		return Record{}, gormErr(err)
	}

	return Record{
		Name: row.Name,
		Metadata: Metadata{
			WorkflowID:  row.WorkflowID,
			JobID:       row.JobID,
			CreatedAtMs: row.ReportedMs,
			ContentHash: row.ContentHash,
			Holder:      row.Holder,
		},
		CreatedAt: time.UnixMilli(row.CreatedAtMs),
	}, nil
}

func gormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
