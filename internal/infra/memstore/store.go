// Package memstore is an in-process implementation of the billing stores.
// It backs STORE_BACKEND=memory for local runs and serves as the store
// double in service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// Store keeps bills, users, listings and activity in memory behind one mutex.
type Store struct {
	mu         sync.Mutex
	bills      map[string]*domain.Bill // by external ref
	users      map[string]*domain.User
	listings   map[string]*domain.Listing
	activities []domain.ActivityEntry
	now        func() time.Time

	activationErrs []error
	transitionErrs []error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		bills:    make(map[string]*domain.Bill),
		users:    make(map[string]*domain.User),
		listings: make(map[string]*domain.Listing),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// PutListing inserts or replaces a listing.
func (s *Store) PutListing(l domain.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = &l
}

// Listing returns a copy of a listing.
func (s *Store) Listing(id string) (domain.Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, false
	}
	return *l, true
}

// FailActivations makes the next len(errs) ApplyActivation calls fail with
// the given errors, in order.
func (s *Store) FailActivations(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activationErrs = append(s.activationErrs, errs...)
}

// FailTransitions makes the next len(errs) TransitionBill calls that pass
// the version check fail with the given errors, in order. Nothing is written.
func (s *Store) FailTransitions(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionErrs = append(s.transitionErrs, errs...)
}

// Activities returns every activity entry of the given type. An empty type
// returns all of them.
func (s *Store) Activities(eventType string) []domain.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ActivityEntry
	for _, a := range s.activities {
		if eventType == "" || a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out
}

// ============================================================
// port.BillStore
// ============================================================

func (s *Store) CreateBill(_ context.Context, bill *domain.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bills[bill.ExternalRef]; exists {
		return &domain.ErrDuplicate{Key: bill.ExternalRef}
	}
	if bill.ID == "" {
		bill.ID = uuid.NewString()
	}
	if bill.Activation == "" {
		bill.Activation = domain.ActivationNone
	}
	now := s.now()
	bill.CreatedAt, bill.UpdatedAt = now, now
	bill.Done = bill.Status.Terminal()

	stored := *bill
	s.bills[bill.ExternalRef] = &stored
	return nil
}

func (s *Store) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bills {
		if b.ID == id {
			out := *b
			return &out, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "bill", ID: id}
}

func (s *Store) GetBillByRef(_ context.Context, externalRef string) (*domain.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bills[externalRef]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "bill", ID: externalRef}
	}
	out := *b
	return &out, nil
}

func (s *Store) TransitionBill(_ context.Context, t domain.BillTransition) (*domain.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bills[t.ExternalRef]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "bill", ID: t.ExternalRef}
	}
	if b.Status != t.FromStatus || b.Version != t.FromVersion {
		return nil, &domain.ErrRaceLost{ExternalRef: t.ExternalRef}
	}
	if len(s.transitionErrs) > 0 {
		err := s.transitionErrs[0]
		s.transitionErrs = s.transitionErrs[1:]
		return nil, err
	}
	updated := t.Apply(*b, s.now())
	*b = updated
	if t.ReleasePending {
		if u := s.userByPendingRef(t.ExternalRef); u != nil {
			u.Subscription.PendingPayment = nil
		}
	}
	return &updated, nil
}

func (s *Store) SetActivation(_ context.Context, externalRef string, from, to domain.ActivationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bills[externalRef]
	if !ok {
		return &domain.ErrNotFound{Resource: "bill", ID: externalRef}
	}
	if b.Activation != from {
		return &domain.ErrRaceLost{ExternalRef: externalRef}
	}
	b.Activation = to
	b.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListUnresolved(_ context.Context, limit int) ([]domain.Bill, error) {
	return s.collect(func(b *domain.Bill) bool { return !b.Done }, true, 0, limit), nil
}

func (s *Store) ListPendingActivation(_ context.Context, olderThan time.Time, limit int) ([]domain.Bill, error) {
	return s.collect(func(b *domain.Bill) bool {
		return b.Status == domain.BillCompleted &&
			b.Activation == domain.ActivationPending &&
			b.UpdatedAt.Before(olderThan)
	}, true, 0, limit), nil
}

func (s *Store) ListBills(_ context.Context, page, pageSize int) ([]domain.Bill, error) {
	if page < 1 {
		page = 1
	}
	return s.collect(func(*domain.Bill) bool { return true }, false, (page-1)*pageSize, pageSize), nil
}

func (s *Store) DeleteBill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, b := range s.bills {
		if b.ID == id {
			delete(s.bills, ref)
			return nil
		}
	}
	return &domain.ErrNotFound{Resource: "bill", ID: id}
}

func (s *Store) RevenueTotal(_ context.Context) (*domain.RevenueTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := &domain.RevenueTotal{}
	for _, b := range s.bills {
		if b.Status != domain.BillCompleted {
			continue
		}
		total.TotalAmount += b.Amount
		total.BillCount++
		if total.Currency == "" {
			total.Currency = b.Currency
		}
	}
	return total, nil
}

// collect returns copies of matching bills ordered by creation time.
func (s *Store) collect(match func(*domain.Bill) bool, oldestFirst bool, offset, limit int) []domain.Bill {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Bill, 0)
	for _, b := range s.bills {
		if match(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExternalRef < out[j].ExternalRef
		}
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return []domain.Bill{}
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ============================================================
// port.AccountStore
// ============================================================

func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	return copyUser(u), nil
}

func (s *Store) FindUserByPendingRef(_ context.Context, externalRef string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userByPendingRef(externalRef); u != nil {
		return copyUser(u), nil
	}
	return nil, &domain.ErrNotFound{Resource: "pending_payment", ID: externalRef}
}

func (s *Store) SetPendingPayment(_ context.Context, userID string, p *domain.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return &domain.ErrNotFound{Resource: "user", ID: userID}
	}
	if p == nil {
		u.Subscription.PendingPayment = nil
		return nil
	}
	pp := *p
	u.Subscription.PendingPayment = &pp
	return nil
}

func (s *Store) ApplyActivation(_ context.Context, a domain.Activation) (*domain.ActivationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[a.UserID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: a.UserID}
	}
	if a.ExternalRef != "" {
		pp := u.Subscription.PendingPayment
		if pp == nil || pp.ExternalRef != a.ExternalRef {
			return nil, &domain.ErrNoPendingPayment{ExternalRef: a.ExternalRef}
		}
	}
	if len(s.activationErrs) > 0 {
		err := s.activationErrs[0]
		s.activationErrs = s.activationErrs[1:]
		return nil, err
	}

	res := &domain.ActivationResult{PreviousPlan: u.Subscription.Plan}
	sub := a.Subscription
	sub.PendingPayment = nil
	u.Subscription = sub
	u.Role.IsOwner = true

	for _, l := range s.listings {
		if l.OwnerID != a.UserID || l.Deleted {
			continue
		}
		l.Boost = a.Boost
		res.ListingIDs = append(res.ListingIDs, l.ID)
	}
	sort.Strings(res.ListingIDs)

	if a.ExternalRef != "" {
		if b, ok := s.bills[a.ExternalRef]; ok {
			b.Activation = domain.ActivationApplied
			b.UpdatedAt = s.now()
		}
	}
	return res, nil
}

func (s *Store) userByPendingRef(ref string) *domain.User {
	for _, u := range s.users {
		if pp := u.Subscription.PendingPayment; pp != nil && pp.ExternalRef == ref {
			return u
		}
	}
	return nil
}

func copyUser(u *domain.User) *domain.User {
	out := *u
	if pp := u.Subscription.PendingPayment; pp != nil {
		cp := *pp
		out.Subscription.PendingPayment = &cp
	}
	return &out
}

// ============================================================
// port.ActivityLogger
// ============================================================

func (s *Store) LogActivity(_ context.Context, entry domain.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.activities = append(s.activities, entry)
	return nil
}
