package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// UsageRecorder counts requests made with a validated key.
type UsageRecorder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewUsageRecorder creates a UsageRecorder.
func NewUsageRecorder(st store.Store, logger *slog.Logger) *UsageRecorder {
	return &UsageRecorder{store: st, logger: logger, now: time.Now}
}

// Record counts one request for keyID from ip (may be empty). It never
// fails the caller: errors are logged and dropped.
func (u *UsageRecorder) Record(ctx context.Context, keyID, ip string) {
	if err := u.record(ctx, keyID, ip); err != nil {
		u.logger.Warn("failed to record api key usage", "key_id", keyID, "error", err)
	}
}

func (u *UsageRecorder) record(ctx context.Context, keyID, ip string) error {
	at := u.now().UTC()
	if inc, ok := u.store.(store.UsageIncrementer); ok {
		return inc.IncrementUsage(ctx, keyID, at, ip)
	}

	// Generic stores get a read-then-write. Concurrent requests with the
	// same key can lose increments here.
	key, err := u.store.Get(ctx, keyID)
	if err != nil {
		return errors.Wrap(err, "read usage")
	}
	month := model.UsageMonthOf(at)
	count := key.RequestCount + 1
	monthly := key.MonthlyUsage(at) + 1

	patch := model.APIKeyPatch{
		RequestCount: &count,
		MonthlyCount: &monthly,
		UsageMonth:   &month,
		LastUsedAt:   &at,
	}
	if ip != "" {
		patch.LastUsedFromIP = &ip
	}
	if _, err := u.store.Update(ctx, keyID, patch); err != nil {
		return errors.Wrap(err, "write usage")
	}
	return nil
}
