// Package pool keeps the warm pool of unbound nodes within its configured
// bounds: topped up when short, reaped when stuck or errored.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/pkg/lifecycle"
)

const (
	stuckThreshold = 30 * time.Minute
	createRetries  = 3
)

// Maintainer is the Pool Maintainer background loop.
type Maintainer struct {
	Nodes       *store.NodeStore
	Lifecycle   *lifecycle.Controller
	Logger      *slog.Logger
	MinAvailable int
	MaxTotal     int
	Interval     time.Duration
	ReapsTotal   *prometheus.CounterVec // labels: reason
	CreatesTotal prometheus.Counter
}

// New constructs a Maintainer with a 5-minute default sweep cadence.
func New(nodes *store.NodeStore, lc *lifecycle.Controller, logger *slog.Logger, minAvailable, maxTotal int) *Maintainer {
	return &Maintainer{
		Nodes:        nodes,
		Lifecycle:    lc,
		Logger:       logger,
		MinAvailable: minAvailable,
		MaxTotal:     maxTotal,
		Interval:     5 * time.Minute,
	}
}

// Run ticks every 5 minutes until ctx is cancelled, running once immediately
// on start.
func (m *Maintainer) Run(ctx context.Context) {
	m.Logger.Info("pool maintainer started", "interval", m.Interval, "min_available", m.MinAvailable, "max_total", m.MaxTotal)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("pool maintainer stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Maintainer) tick(ctx context.Context) {
	if err := m.topUp(ctx); err != nil {
		m.Logger.Error("pool top-up", "error", err)
	}
	if err := m.reapErrored(ctx); err != nil {
		m.Logger.Error("pool reap errored", "error", err)
	}
	if err := m.reapStuck(ctx); err != nil {
		m.Logger.Error("pool reap stuck", "error", err)
	}
}

func (m *Maintainer) topUp(ctx context.Context) error {
	available, err := m.Nodes.ListAvailable(ctx)
	if err != nil {
		return fmt.Errorf("listing available nodes: %w", err)
	}
	inProgress, err := m.Nodes.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("listing in-progress nodes: %w", err)
	}

	shortfall := m.MinAvailable - (len(available) + len(inProgress))
	if shortfall <= 0 {
		return nil
	}

	nonErrorCount, err := m.Nodes.CountNonError(ctx)
	if err != nil {
		return fmt.Errorf("counting non-error nodes: %w", err)
	}
	room := m.MaxTotal - nonErrorCount
	if room <= 0 {
		m.Logger.Warn("pool at max total, cannot top up", "max_total", m.MaxTotal, "shortfall", shortfall)
		return nil
	}
	if shortfall > room {
		shortfall = room
	}

	for i := 0; i < shortfall; i++ {
		name := fmt.Sprintf("node-%s", uuid.NewString())
		if err := m.createWithRetry(ctx, name); err != nil {
			m.Logger.Error("pool top-up create failed after retries", "name", name, "error", err)
			continue
		}
		if m.CreatesTotal != nil {
			m.CreatesTotal.Inc()
		}
	}
	return nil
}

// createWithRetry retries provisioning up to 3 times since Create is not
// idempotent — each attempt provisions a brand new provider-side instance,
// so a failed-then-retried attempt may leave orphaned instances for the
// reaper to eventually notice via ListErroredUnbound.
func (m *Maintainer) createWithRetry(ctx context.Context, name string) error {
	var lastErr error
	for attempt := 1; attempt <= createRetries; attempt++ {
		if _, err := m.Lifecycle.Provision(ctx, name); err != nil {
			lastErr = err
			m.Logger.Warn("pool node create attempt failed", "name", name, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return lastErr
}

func (m *Maintainer) reapErrored(ctx context.Context) error {
	errored, err := m.Nodes.ListErroredUnbound(ctx)
	if err != nil {
		return fmt.Errorf("listing errored unbound nodes: %w", err)
	}
	for _, n := range errored {
		if err := m.Lifecycle.Reap(ctx, n); err != nil {
			m.Logger.Error("reaping errored node", "node_id", n.ID, "error", err)
			continue
		}
		m.Logger.Info("reaped errored node", "node_id", n.ID)
		if m.ReapsTotal != nil {
			m.ReapsTotal.WithLabelValues("error").Inc()
		}
	}
	return nil
}

func (m *Maintainer) reapStuck(ctx context.Context) error {
	inProgress, err := m.Nodes.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("listing in-progress nodes: %w", err)
	}
	for _, n := range inProgress {
		if !store.StuckSince(n, stuckThreshold) {
			continue
		}
		if err := m.Lifecycle.Reap(ctx, n); err != nil {
			m.Logger.Error("reaping stuck node", "node_id", n.ID, "error", err)
			continue
		}
		m.Logger.Info("reaped stuck node", "node_id", n.ID, "stage", n.DeploymentStage)
		if m.ReapsTotal != nil {
			m.ReapsTotal.WithLabelValues("stuck").Inc()
		}
	}
	return nil
}
