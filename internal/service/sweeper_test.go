package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/port"
	"github.com/rushago/billing-reconciler/internal/service"
)

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	err      error
	released int
}

func (l *fakeLock) Acquire(_ context.Context, _ string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.released++
		return nil
	}, true, nil
}

func newSweeper(h *harness, lock *fakeLock, cfg service.SweeperConfig) *service.PollSweeper {
	var l port.SweepLock
	if lock != nil {
		l = lock
	}
	return service.NewPollSweeper(h.store, h.gateway, h.reconciler, l, cfg, h.metrics, zap.NewNop())
}

func TestRunOnce_PartialProviderAnswers(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	for i := 0; i < 10; i++ {
		h.seedPending(t, fmt.Sprintf("u%d", i), fmt.Sprintf("TX%d", i), domain.BillInitiated, domain.PlanPro)
	}
	for i := 0; i < 4; i++ {
		h.gateway.set(fmt.Sprintf("TX%d", i), domain.OutcomeSuccess)
	}
	h.gateway.set("TX4", domain.OutcomeFailure)
	h.gateway.set("TX5", domain.OutcomeFailure)

	s := newSweeper(h, nil, service.SweeperConfig{BatchSize: 10})
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	h.activator.Wait()

	assert.Equal(t, 10, report.Checked)
	assert.Equal(t, 6, report.Resolved)
	assert.Equal(t, 4, report.Activated)
	assert.Equal(t, 4, report.Absent)
	require.Equal(t, 1, h.gateway.calls(), "one batched verify per run")

	for i := 0; i < 10; i++ {
		b := h.bill(t, fmt.Sprintf("TX%d", i))
		switch {
		case i < 4:
			assert.Equal(t, domain.BillCompleted, b.Status)
		case i < 6:
			assert.Equal(t, domain.BillFailed, b.Status)
		default:
			assert.False(t, b.Done, "bill %s must stay open", b.ExternalRef)
		}
	}

	unresolved, err := h.store.ListUnresolved(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, unresolved, 4)
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	for i := 0; i < 15; i++ {
		h.seedPending(t, fmt.Sprintf("u%d", i), fmt.Sprintf("TX%02d", i), domain.BillPending, domain.PlanBasic)
	}

	s := newSweeper(h, nil, service.SweeperConfig{BatchSize: 10})
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, report.Checked)
	require.Len(t, h.gateway.verifyCalls, 1)
	assert.Len(t, h.gateway.verifyCalls[0], 10)
}

func TestRunOnce_OverlappingRunIsSkipped(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.seedPending(t, "u1", "TX1", domain.BillInitiated, domain.PlanPro)
	h.gateway.gate = make(chan struct{})

	s := newSweeper(h, nil, service.SweeperConfig{BatchSize: 10})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(h.gateway.gate)
	<-done
	assert.Equal(t, int64(1), h.metrics.Snapshot().SweepsSkipped)
}

func TestRunOnce_LeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.seedPending(t, "u1", "TX1", domain.BillInitiated, domain.PlanPro)
	lock := &fakeLock{held: true}

	s := newSweeper(h, lock, service.SweeperConfig{BatchSize: 10})
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Equal(t, 0, h.gateway.calls())
}

func TestRunOnce_ReleasesLease(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	lock := &fakeLock{}

	s := newSweeper(h, lock, service.SweeperConfig{BatchSize: 10})
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, lock.released)
	assert.False(t, lock.held)
}

func TestRunOnce_LeaseError(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	lock := &fakeLock{err: errors.New("redis down")}

	s := newSweeper(h, lock, service.SweeperConfig{BatchSize: 10})
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnce_GatewayErrorLeavesBillsOpen(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.seedPending(t, "u1", "TX1", domain.BillInitiated, domain.PlanPro)
	h.gateway.err = &domain.ErrExternalService{Service: "flutterwave", Err: errors.New("502")}

	s := newSweeper(h, nil, service.SweeperConfig{BatchSize: 10})
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)

	assert.False(t, h.bill(t, "TX1").Done)
}

func TestRunOnce_RetriesPendingActivations(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.seedPending(t, "u1", "TX1", domain.BillInitiated, domain.PlanPro)
	h.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	h.store.FailActivations(errors.New("write conflict"))

	_, err := h.reconciler.Apply(context.Background(), "TX1", success("TX1"))
	require.NoError(t, err)
	require.Equal(t, domain.ActivationPending, h.bill(t, "TX1").Activation)

	s := newSweeper(h, nil, service.SweeperConfig{BatchSize: 10, RetryGrace: time.Minute})
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	h.activator.Wait()

	assert.Equal(t, 1, report.ActivationsRetried)
	assert.Equal(t, domain.ActivationApplied, h.bill(t, "TX1").Activation)
	assert.Equal(t, domain.PlanPro, h.user(t, "u1").Subscription.Plan)

	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ActivationsRetried)
	assert.Len(t, h.store.Activities(domain.EventSubscriptionActivated), 1)
}

func TestPollSweeper_StartStop(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.seedPending(t, "u1", "TX1", domain.BillInitiated, domain.PlanPro)
	h.gateway.set("TX1", domain.OutcomeSuccess)

	s := newSweeper(h, nil, service.SweeperConfig{Interval: 10 * time.Millisecond, BatchSize: 10})
	s.Start(context.Background())
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		b, err := h.store.GetBillByRef(context.Background(), "TX1")
		return err == nil && b.Status == domain.BillCompleted
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
	h.activator.Wait()

	runs := h.metrics.Snapshot().SweepsRun
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, runs, h.metrics.Snapshot().SweepsRun, "no runs after Stop")
}
