package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
	"github.com/rushago/billing-reconciler/internal/port"
)

// sweepLeaseKey names the cross-instance sweep lease.
const sweepLeaseKey = "billing:sweep"

// SweeperConfig holds the poll sweep parameters.
type SweeperConfig struct {
	Interval   time.Duration
	BatchSize  int
	LeaseTTL   time.Duration
	RetryGrace time.Duration
}

// PollSweeper periodically verifies unresolved bills with the gateway and
// retries activations that did not persist. At most one run is in flight
// per process, and with a lease at most one across processes.
type PollSweeper struct {
	bills      port.BillStore
	gateway    port.GatewayClient
	reconciler *Reconciler
	lock       port.SweepLock
	cfg        SweeperConfig
	slot       *resilience.Bulkhead
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPollSweeper creates a sweeper. lock may be nil for single-instance runs.
func NewPollSweeper(
	bills port.BillStore,
	gateway port.GatewayClient,
	reconciler *Reconciler,
	lock port.SweepLock,
	cfg SweeperConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *PollSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	return &PollSweeper{
		bills:      bills,
		gateway:    gateway,
		reconciler: reconciler,
		lock:       lock,
		cfg:        cfg,
		slot:       resilience.NewBulkhead(1),
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Start runs a sweep every interval until Stop is called or ctx ends.
// Calling Start on a running sweeper does nothing.
func (s *PollSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.logger.Info("poll sweeper started",
			zap.Duration("interval", s.cfg.Interval),
			zap.Int("batch_size", s.cfg.BatchSize),
		)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("poll sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("poll sweep failed", zap.Error(err))
				}
			}
		}
	}(s.stopped)
}

// Stop cancels the schedule and waits for an in-flight run to finish.
func (s *PollSweeper) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// RunOnce performs one sweep. A run that finds another run in progress, in
// this process or under another process's lease, reports Skipped.
func (s *PollSweeper) RunOnce(ctx context.Context) (*domain.SweepReport, error) {
	if !s.slot.TryAcquire() {
		s.metrics.IncrSweep(observability.SweepSkipped)
		s.logger.Debug("poll sweep skipped, previous run still active")
		return &domain.SweepReport{Skipped: true}, nil
	}
	defer s.slot.Release()

	ctx, span := billingTracer.Start(ctx, "PollSweeper.RunOnce")
	defer span.End()

	if s.lock != nil {
		release, ok, err := s.lock.Acquire(ctx, sweepLeaseKey, s.cfg.LeaseTTL)
		if err != nil {
			s.metrics.IncrSweep(observability.SweepError)
			return nil, err
		}
		if !ok {
			s.metrics.IncrSweep(observability.SweepSkipped)
			s.logger.Debug("poll sweep skipped, lease held elsewhere")
			return &domain.SweepReport{Skipped: true}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sweep lease failed", zap.Error(err))
			}
		}()
	}

	start := s.now()
	report := &domain.SweepReport{}

	verifyErr := s.verifyUnresolved(ctx, report)
	retryErr := s.retryActivations(ctx, report)

	report.Duration = s.now().Sub(start)
	span.SetAttributes(
		attribute.Int("sweep.checked", report.Checked),
		attribute.Int("sweep.resolved", report.Resolved),
	)

	if err := errors.Join(verifyErr, retryErr); err != nil {
		s.metrics.IncrSweep(observability.SweepError)
		return report, err
	}
	s.metrics.IncrSweep(observability.SweepRun)
	s.logger.Info("poll sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("resolved", report.Resolved),
		zap.Int("activated", report.Activated),
		zap.Int("absent", report.Absent),
		zap.Int("activations_retried", report.ActivationsRetried),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// verifyUnresolved checks one batch of open bills with a single gateway call.
func (s *PollSweeper) verifyUnresolved(ctx context.Context, report *domain.SweepReport) error {
	bills, err := s.bills.ListUnresolved(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	s.metrics.ObserveSweepBatch(len(bills))
	if len(bills) == 0 {
		return nil
	}

	refs := make([]string, len(bills))
	for i, b := range bills {
		refs[i] = b.ExternalRef
	}
	report.Checked = len(refs)

	vs, err := s.gateway.Verify(ctx, refs)
	if err != nil {
		s.metrics.IncrExternalError("gateway")
		return err
	}
	report.Absent = len(refs) - len(vs)

	for _, v := range vs {
		s.metrics.IncrEntryPoint(SourceSweep)
		res, err := s.reconciler.Apply(ctx, v.Ref, v)
		if err != nil {
			s.logger.Warn("sweep apply failed", zap.String("external_ref", v.Ref), zap.Error(err))
			continue
		}
		if res.Bill != nil && res.Bill.Status.Terminal() && v.Outcome != domain.OutcomeAmbiguous {
			report.Resolved++
		}
		if res.Activated {
			report.Activated++
		}
	}
	return nil
}

// retryActivations picks up completed bills whose activation never persisted.
func (s *PollSweeper) retryActivations(ctx context.Context, report *domain.SweepReport) error {
	bills, err := s.bills.ListPendingActivation(ctx, s.now().Add(-s.cfg.RetryGrace), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, b := range bills {
		ok, err := s.reconciler.RetryActivation(ctx, b.ExternalRef)
		if err != nil {
			s.logger.Warn("activation retry failed", zap.String("external_ref", b.ExternalRef), zap.Error(err))
			continue
		}
		if ok {
			report.ActivationsRetried++
		}
	}
	return nil
}
