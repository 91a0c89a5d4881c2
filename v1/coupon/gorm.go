package coupon

import (
	"context"
	stdErrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

const (
	defaultGormTableName = "coupons"
	defaultGormOpTimeout = 5 * time.Second
)

// couponRow is the table model.
type couponRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement:false;column:id"`
	Name           string `gorm:"column:name"`
	AvailableStock int64  `gorm:"column:available_stock"`
	Version        int64  `gorm:"column:version"`
}

func rowOf(c Coupon) couponRow {
	return couponRow{ID: c.ID, Name: c.Name, AvailableStock: c.AvailableStock, Version: c.Version}
}

func (r couponRow) coupon() Coupon {
	return Coupon{ID: r.ID, Name: r.Name, AvailableStock: r.AvailableStock, Version: r.Version}
}

// GormRepository stores coupons in a SQL table. Commit is a conditional
// UPDATE on the version column.
type GormRepository struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormRepository.
type GormOption func(*GormRepository)

// WithGormTableName sets the table name.
func WithGormTableName(name string) GormOption {
	return func(r *GormRepository) {
		r.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(r *GormRepository) {
		r.timeout = d
	}
}

// NewGormRepository returns a GormRepository on db, creating the table if
// it does not exist.
func NewGormRepository(db *gorm.DB, opts ...GormOption) (*GormRepository, error) {
	r := &GormRepository{db: db, tableName: defaultGormTableName, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if !db.Migrator().HasTable(r.tableName) {
		if err := db.Table(r.tableName).AutoMigrate(&couponRow{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *GormRepository) table(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tableName)
}

// Save implements Repository.Save.
func (r *GormRepository) Save(ctx context.Context, c Coupon) error {
	if err := ctx.Err(); err != nil {
		return translateGorm(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	row := rowOf(c)
	err := r.table(cctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "available_stock", "version"}),
	}).Create(&row).Error
	return translateGorm(err)
}

// Load implements Repository.Load.
func (r *GormRepository) Load(ctx context.Context, id int64) (Coupon, error) {
	if err := ctx.Err(); err != nil {
		return Coupon{}, translateGorm(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var row couponRow
	err := r.table(cctx).First(&row, "id = ?", id).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return Coupon{}, notFound(id)
	}
	if err != nil {
		return Coupon{}, translateGorm(err)
	}
	return row.coupon(), nil
}

// Commit implements Repository.Commit.
func (r *GormRepository) Commit(ctx context.Context, c *Coupon) error {
	if err := ctx.Err(); err != nil {
		return translateGorm(err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(r.tableName).
			Where("id = ? AND version = ?", c.ID, c.Version).
			Updates(map[string]any{
				"name":            c.Name,
				"available_stock": c.AvailableStock,
				"version":         c.Version + 1,
			})
		if res.Error != nil {
			return translateGorm(res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var n int64
		if err := tx.Table(r.tableName).Where("id = ?", c.ID).Count(&n).Error; err != nil {
			return translateGorm(err)
		}
		if n == 0 {
			return notFound(c.ID)
		}
		return conflict(c.ID, c.Version)
	})
	if err != nil {
		return err
	}
	c.Version++
	return nil
}

func translateGorm(err error) error {
	if err != nil && stdErrors.Is(err, context.DeadlineExceeded) {
		return dlockerrors.ErrTimeout
	}
	return err
}
