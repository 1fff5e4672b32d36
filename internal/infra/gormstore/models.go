package gormstore

import (
	"encoding/json"
	"time"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// billRow is the bills table.
type billRow struct {
	ID               string    `gorm:"primaryKey;type:varchar(36)"`
	ExternalRef      string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	UserID           string    `gorm:"type:varchar(64);index;not null"`
	PayerPhone       string    `gorm:"type:varchar(20);default:''"`
	Amount           int64     `gorm:"not null"`
	Currency         string    `gorm:"type:varchar(3);not null"`
	PaymentMethod    string    `gorm:"type:varchar(20);not null"`
	Status           string    `gorm:"type:varchar(16);not null;index:idx_bills_open,priority:2"`
	IsDone           bool      `gorm:"not null;default:false;index:idx_bills_open,priority:1"`
	Version          int64     `gorm:"not null;default:0"`
	Activation       string    `gorm:"type:varchar(16);not null;default:'none'"`
	RequestSnapshot  string    `gorm:"type:text"`
	CallbackSnapshot string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

func (billRow) TableName() string { return "bills" }

func billRowFrom(b *domain.Bill) billRow {
	return billRow{
		ID:               b.ID,
		ExternalRef:      b.ExternalRef,
		UserID:           b.UserID,
		PayerPhone:       b.PayerPhone,
		Amount:           b.Amount,
		Currency:         b.Currency,
		PaymentMethod:    string(b.PaymentMethod),
		Status:           string(b.Status),
		IsDone:           b.Status.Terminal(),
		Version:          b.Version,
		Activation:       string(b.Activation),
		RequestSnapshot:  string(b.RequestSnapshot),
		CallbackSnapshot: string(b.CallbackSnapshot),
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func (r billRow) toDomain() domain.Bill {
	return domain.Bill{
		ID:               r.ID,
		ExternalRef:      r.ExternalRef,
		UserID:           r.UserID,
		PayerPhone:       r.PayerPhone,
		Amount:           r.Amount,
		Currency:         r.Currency,
		PaymentMethod:    domain.MethodKind(r.PaymentMethod),
		Status:           domain.BillStatus(r.Status),
		Done:             r.IsDone,
		Version:          r.Version,
		Activation:       domain.ActivationState(r.Activation),
		RequestSnapshot:  rawOrNil(r.RequestSnapshot),
		CallbackSnapshot: rawOrNil(r.CallbackSnapshot),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// userRow is the billing view of the users table. The pending payment is
// flattened into nullable columns; pending_ref is unique.
type userRow struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	Name               string `gorm:"type:varchar(200)"`
	Email              string `gorm:"type:varchar(200)"`
	Phone              string `gorm:"type:varchar(20)"`
	IsRenter           bool
	IsOwner            bool
	AdminLevel         string `gorm:"type:varchar(20);default:''"`
	Plan               string `gorm:"type:varchar(10);default:'basic'"`
	SubscriptionStatus string `gorm:"type:varchar(16);default:'inactive'"`
	StartDate          *time.Time
	EndDate            *time.Time
	PaymentMethodID    string  `gorm:"type:varchar(64);default:''"`
	PendingRef         *string `gorm:"type:varchar(64);uniqueIndex"`
	PendingAmount      int64
	PendingPlan        string `gorm:"type:varchar(10);default:''"`
	PendingMethod      string `gorm:"type:varchar(20);default:''"`
}

func (userRow) TableName() string { return "users" }

func (r userRow) toDomain() *domain.User {
	u := &domain.User{
		ID:    r.ID,
		Name:  r.Name,
		Email: r.Email,
		Phone: r.Phone,
		Role: domain.Role{
			IsRenter:   r.IsRenter,
			IsOwner:    r.IsOwner,
			AdminLevel: r.AdminLevel,
		},
		Subscription: domain.Subscription{
			Plan:            domain.Plan(r.Plan),
			Status:          domain.SubscriptionStatus(r.SubscriptionStatus),
			StartDate:       r.StartDate,
			EndDate:         r.EndDate,
			PaymentMethodID: r.PaymentMethodID,
		},
	}
	if r.PendingRef != nil {
		u.Subscription.PendingPayment = &domain.PendingPayment{
			ExternalRef:   *r.PendingRef,
			Amount:        r.PendingAmount,
			Plan:          domain.Plan(r.PendingPlan),
			PaymentMethod: domain.MethodKind(r.PendingMethod),
		}
	}
	return u
}

// listingRow is the boost view of the cars table.
type listingRow struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID    string `gorm:"type:varchar(64);index;not null"`
	IsDeleted  bool   `gorm:"not null;default:false"`
	IsActive   bool   `gorm:"not null;default:false"`
	IsFeatured bool   `gorm:"not null;default:false"`
	Ranking    int    `gorm:"not null;default:0"`
	BoostStart *time.Time
	BoostEnd   *time.Time
}

func (listingRow) TableName() string { return "cars" }

// activityRow is the activity_logs table.
type activityRow struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	UserID    string `gorm:"type:varchar(64);index;not null"`
	EventType string `gorm:"type:varchar(40);index;not null"`
	Action    string `gorm:"type:varchar(255)"`
	TargetID  string `gorm:"type:varchar(64)"`
	Metadata  string `gorm:"type:text"`
	Device    string `gorm:"type:varchar(100)"`
	CreatedAt time.Time
}

func (activityRow) TableName() string { return "activity_logs" }

func activityRowFrom(e domain.ActivityEntry) activityRow {
	meta := ""
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = string(b)
		}
	}
	return activityRow{
		ID:        e.ID,
		UserID:    e.UserID,
		EventType: e.EventType,
		Action:    e.Action,
		TargetID:  e.TargetID,
		Metadata:  meta,
		Device:    e.Device,
		CreatedAt: e.CreatedAt,
	}
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
