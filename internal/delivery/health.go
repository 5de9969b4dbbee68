package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/hookrelay/internal/metrics"
)

// HealthMonitorConfig carries the configurable thresholds for the health
// monitor's warning/disable escalation.
type HealthMonitorConfig struct {
	WarningAfter        time.Duration // first_failure_at age to warn
	DisableAfter        time.Duration // first_failure_at age to disable
	MinFailuresToTrack  int
	RecentFailureWindow time.Duration // last_failure_at must be within this of now
	PassInterval        time.Duration
}

func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		WarningAfter:        24 * time.Hour,
		DisableAfter:        72 * time.Hour,
		MinFailuresToTrack:  5,
		RecentFailureWindow: 24 * time.Hour,
		PassInterval:        10 * time.Minute,
	}
}

// HealthMonitor detects endpoints that have been failing too long and
// takes graduated action: warn, then auto-disable, then notify recovery.
type HealthMonitor struct {
	cfg     HealthMonitorConfig
	subs    SubscriptionStore
	notifs  NotificationStore
	notify  Notifier
	ops     OperationalEmitter
	orgOf   func(ctx context.Context, subscriptionID string) (string, error)
	logger  *slog.Logger
	running atomic.Bool
}

func NewHealthMonitor(
	cfg HealthMonitorConfig,
	subs SubscriptionStore,
	notifs NotificationStore,
	notify Notifier,
	ops OperationalEmitter,
	orgOf func(ctx context.Context, subscriptionID string) (string, error),
	logger *slog.Logger,
) *HealthMonitor {
	return &HealthMonitor{cfg: cfg, subs: subs, notifs: notifs, notify: notify, ops: ops, orgOf: orgOf, logger: logger}
}

func (h *HealthMonitor) Running() bool { return h.running.Load() }

// Run starts the periodic pass loop. Call in a goroutine.
func (h *HealthMonitor) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	ticker := time.NewTicker(h.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.safePass(ctx)
		}
	}
}

func (h *HealthMonitor) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in health monitor pass", "panic", fmt.Sprint(r))
		}
	}()
	if err := h.Pass(ctx); err != nil {
		h.logger.Warn("health monitor pass failed", "error", err)
	}
}

// Pass runs one full periodic pass: warn, then disable. Candidates are
// drawn independently; disable candidates (failing for DisableAfter) are a
// subset by age of warning candidates (failing for WarningAfter).
func (h *HealthMonitor) Pass(ctx context.Context) error {
	now := time.Now()

	warningCandidates, err := h.subs.ListWarningCandidates(ctx, h.cfg.WarningAfter, h.cfg.RecentFailureWindow, h.cfg.MinFailuresToTrack)
	if err != nil {
		return fmt.Errorf("delivery: list warning candidates: %w", err)
	}
	for _, sub := range warningCandidates {
		send, err := h.notifs.TryRecordSent(ctx, sub.ID, "warning", now)
		if err != nil || !send {
			continue
		}
		if err := h.notify.NotifyWarning(ctx, sub); err != nil {
			h.logger.Warn("failed to send warning notification", "subscription", sub.ID, "error", err)
		}
	}

	disableCandidates, err := h.subs.ListDisableCandidates(ctx, h.cfg.DisableAfter, h.cfg.RecentFailureWindow, h.cfg.MinFailuresToTrack)
	if err != nil {
		return fmt.Errorf("delivery: list disable candidates: %w", err)
	}
	for _, sub := range disableCandidates {
		if err := h.subs.Disable(ctx, sub.ID, now); err != nil {
			h.logger.Warn("failed to disable subscription", "subscription", sub.ID, "error", err)
			continue
		}
		metrics.SubscriptionsDisabledTotal.Inc()
		if err := h.notify.NotifyDisabled(ctx, sub); err != nil {
			h.logger.Warn("failed to send disable notification", "subscription", sub.ID, "error", err)
		}
		h.emitEndpointDisabled(ctx, sub)
	}

	return nil
}

func (h *HealthMonitor) emitEndpointDisabled(ctx context.Context, sub *Subscription) {
	if h.ops == nil || h.orgOf == nil {
		return
	}
	orgID, err := h.orgOf(ctx, sub.ID)
	if err != nil {
		h.logger.Warn("failed to resolve organization for endpoint.disabled", "subscription", sub.ID, "error", err)
		return
	}
	payload := []byte(fmt.Sprintf(`{"subscription_id":%q,"auto_disabled_at":%q}`, sub.ID, time.Now().Format(time.RFC3339)))
	if err := h.ops.EmitOperational(ctx, orgID, "endpoint.disabled", payload); err != nil {
		h.logger.Warn("failed to emit endpoint.disabled", "subscription", sub.ID, "error", err)
	}
}

// RecordRecovery sends a single recovery notice for sub, at most once per
// subscription per day. It does not change the failure streak and does not
// check for a prior warning. The worker pool does not call it.
func (h *HealthMonitor) RecordRecovery(ctx context.Context, sub *Subscription) error {
	send, err := h.notifs.TryRecordSent(ctx, sub.ID, "recovery", time.Now())
	if err != nil || !send {
		return err
	}
	return h.notify.NotifyRecovered(ctx, sub)
}
