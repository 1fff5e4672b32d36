package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rushago/billing-reconciler/internal/domain"
)

var clearPending = map[string]any{
	"pending_ref":    nil,
	"pending_amount": 0,
	"pending_plan":   "",
	"pending_method": "",
}

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "GormStore.GetUser")
	defer span.End()

	var row userRow
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindUserByPendingRef(ctx context.Context, externalRef string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "GormStore.FindUserByPendingRef")
	defer span.End()

	var row userRow
	err := s.db.WithContext(ctx).Where("pending_ref = ?", externalRef).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "pending_payment", ID: externalRef}
	}
	if err != nil {
		return nil, fmt.Errorf("select user by pending ref: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) SetPendingPayment(ctx context.Context, userID string, p *domain.PendingPayment) error {
	ctx, span := tracer.Start(ctx, "GormStore.SetPendingPayment")
	defer span.End()

	updates := clearPending
	if p != nil {
		updates = map[string]any{
			"pending_ref":    p.ExternalRef,
			"pending_amount": p.Amount,
			"pending_plan":   string(p.Plan),
			"pending_method": string(p.PaymentMethod),
		}
	}
	res := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update pending payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	return nil
}

// ApplyActivation locks the user row, checks the pending payment, then
// writes the subscription, the listing boosts and the bill marker in one
// transaction.
func (s *Store) ApplyActivation(ctx context.Context, a domain.Activation) (*domain.ActivationResult, error) {
	ctx, span := tracer.Start(ctx, "GormStore.ApplyActivation")
	defer span.End()

	res := &domain.ActivationResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u userRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", a.UserID).First(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &domain.ErrNotFound{Resource: "user", ID: a.UserID}
		}
		if err != nil {
			return err
		}
		if a.ExternalRef != "" && (u.PendingRef == nil || *u.PendingRef != a.ExternalRef) {
			return &domain.ErrNoPendingPayment{ExternalRef: a.ExternalRef}
		}
		res.PreviousPlan = domain.Plan(u.Plan)

		sub := a.Subscription
		userUpdates := map[string]any{
			"plan":                string(sub.Plan),
			"subscription_status": string(sub.Status),
			"start_date":          sub.StartDate,
			"end_date":            sub.EndDate,
			"payment_method_id":   sub.PaymentMethodID,
			"is_owner":            true,
		}
		for k, v := range clearPending {
			userUpdates[k] = v
		}
		if err := tx.Model(&userRow{}).Where("id = ?", a.UserID).Updates(userUpdates).Error; err != nil {
			return err
		}

		live := tx.Model(&listingRow{}).Where("owner_id = ? AND is_deleted = ?", a.UserID, false).Session(&gorm.Session{})
		if err := live.Order("id").Pluck("id", &res.ListingIDs).Error; err != nil {
			return err
		}
		boost := a.Boost
		if err := live.Updates(map[string]any{
			"is_active":   boost.Active,
			"is_featured": boost.Featured,
			"ranking":     boost.Ranking,
			"boost_start": boost.Window.Start,
			"boost_end":   boost.Window.End,
		}).Error; err != nil {
			return err
		}

		if a.ExternalRef != "" {
			return tx.Model(&billRow{}).Where("external_ref = ?", a.ExternalRef).
				Updates(map[string]any{"activation": string(domain.ActivationApplied), "updated_at": s.now()}).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
