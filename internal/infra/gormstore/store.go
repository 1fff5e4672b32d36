// Package gormstore implements the billing stores on MySQL through GORM.
// Bill status writes are conditional UPDATEs on (status, version) and the
// activation runs in one transaction.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rushago/billing-reconciler/internal/domain"
)

var tracer = otel.Tracer("gormstore")

const (
	maxConnectRetries = 5
	connectRetryDelay = 2 * time.Second
)

// Store is the GORM-backed bill, account and activity store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// New wraps an open database.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to MySQL, retrying while the server comes up, and migrates
// the billing tables.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxConnectRetries; i++ {
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:               dsn,
			DefaultStringSize: 256,
		}), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			break
		}
		logger.Warn("gormstore: connect failed",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxConnectRetries),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&billRow{}, &userRow{}, &listingRow{}, &activityRow{}); err != nil {
		return nil, fmt.Errorf("migrate billing tables: %w", err)
	}
	return New(db, logger), nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================
// port.BillStore
// ============================================================

func (s *Store) CreateBill(ctx context.Context, bill *domain.Bill) error {
	ctx, span := tracer.Start(ctx, "GormStore.CreateBill")
	defer span.End()

	if bill.ID == "" {
		bill.ID = uuid.NewString()
	}
	if bill.Activation == "" {
		bill.Activation = domain.ActivationNone
	}
	now := s.now()
	bill.CreatedAt, bill.UpdatedAt = now, now
	bill.Done = bill.Status.Terminal()

	row := billRowFrom(bill)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &domain.ErrDuplicate{Key: bill.ExternalRef}
		}
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "GormStore.GetBill")
	defer span.End()
	return s.firstBill(ctx, "id = ?", id)
}

func (s *Store) GetBillByRef(ctx context.Context, externalRef string) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "GormStore.GetBillByRef")
	defer span.End()
	return s.firstBill(ctx, "external_ref = ?", externalRef)
}

func (s *Store) firstBill(ctx context.Context, where string, arg string) (*domain.Bill, error) {
	var row billRow
	err := s.db.WithContext(ctx).Where(where, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "bill", ID: arg}
	}
	if err != nil {
		return nil, fmt.Errorf("select bill: %w", err)
	}
	b := row.toDomain()
	return &b, nil
}

func (s *Store) TransitionBill(ctx context.Context, t domain.BillTransition) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "GormStore.TransitionBill")
	defer span.End()

	updates := map[string]any{
		"status":     string(t.ToStatus),
		"is_done":    t.ToStatus.Terminal(),
		"version":    gorm.Expr("version + 1"),
		"updated_at": s.now(),
	}
	if t.Activation != "" {
		updates["activation"] = string(t.Activation)
	}
	if t.RequestSnapshot != nil {
		updates["request_snapshot"] = string(t.RequestSnapshot)
	}
	if t.CallbackSnapshot != nil {
		updates["callback_snapshot"] = string(t.CallbackSnapshot)
	}

	var matched bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&billRow{}).
			Where("external_ref = ? AND status = ? AND version = ?", t.ExternalRef, string(t.FromStatus), t.FromVersion).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update bill: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		matched = true
		if !t.ReleasePending {
			return nil
		}
		if err := tx.Model(&userRow{}).Where("pending_ref = ?", t.ExternalRef).Updates(clearPending).Error; err != nil {
			return fmt.Errorf("clear pending payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !matched {
		if _, err := s.GetBillByRef(ctx, t.ExternalRef); err != nil {
			return nil, err
		}
		return nil, &domain.ErrRaceLost{ExternalRef: t.ExternalRef}
	}
	return s.GetBillByRef(ctx, t.ExternalRef)
}

func (s *Store) SetActivation(ctx context.Context, externalRef string, from, to domain.ActivationState) error {
	ctx, span := tracer.Start(ctx, "GormStore.SetActivation")
	defer span.End()

	res := s.db.WithContext(ctx).Model(&billRow{}).
		Where("external_ref = ? AND activation = ?", externalRef, string(from)).
		Updates(map[string]any{"activation": string(to), "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("update bill activation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetBillByRef(ctx, externalRef); err != nil {
			return err
		}
		return &domain.ErrRaceLost{ExternalRef: externalRef}
	}
	return nil
}

func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "GormStore.ListUnresolved")
	defer span.End()

	var rows []billRow
	err := s.db.WithContext(ctx).
		Where("is_done = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select unresolved bills: %w", err)
	}
	return toBills(rows), nil
}

func (s *Store) ListPendingActivation(ctx context.Context, olderThan time.Time, limit int) ([]domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "GormStore.ListPendingActivation")
	defer span.End()

	var rows []billRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND activation = ? AND updated_at < ?",
			string(domain.BillCompleted), string(domain.ActivationPending), olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select pending activations: %w", err)
	}
	return toBills(rows), nil
}

func (s *Store) ListBills(ctx context.Context, page, pageSize int) ([]domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "GormStore.ListBills")
	defer span.End()

	if page < 1 {
		page = 1
	}
	var rows []billRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select bills: %w", err)
	}
	return toBills(rows), nil
}

func (s *Store) DeleteBill(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "GormStore.DeleteBill")
	defer span.End()

	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&billRow{})
	if res.Error != nil {
		return fmt.Errorf("delete bill: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ErrNotFound{Resource: "bill", ID: id}
	}
	return nil
}

func (s *Store) RevenueTotal(ctx context.Context) (*domain.RevenueTotal, error) {
	ctx, span := tracer.Start(ctx, "GormStore.RevenueTotal")
	defer span.End()

	var total domain.RevenueTotal
	err := s.db.WithContext(ctx).Model(&billRow{}).
		Select("COALESCE(MAX(currency), '') AS currency, COALESCE(SUM(amount), 0) AS total_amount, COUNT(*) AS bill_count").
		Where("status = ?", string(domain.BillCompleted)).
		Scan(&total).Error
	if err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}
	return &total, nil
}

// ============================================================
// port.ActivityLogger
// ============================================================

func (s *Store) LogActivity(ctx context.Context, entry domain.ActivityEntry) error {
	ctx, span := tracer.Start(ctx, "GormStore.LogActivity")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	row := activityRowFrom(entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func toBills(rows []billRow) []domain.Bill {
	out := make([]domain.Bill, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}
