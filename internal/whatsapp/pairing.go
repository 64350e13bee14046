package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/locker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PairingOutcome describes the result of one RequestCode call.
type PairingOutcome struct {
	Code              string `json:"code"`
	AlreadyRegistered bool   `json:"already_registered"`
	AlreadyFresh      bool   `json:"already_fresh"`
}

// Pairing drives the phone-number authentication handshake for one device at
// a time. All ephemeral attempt state lives here (not in globals) so lifecycle
// and testability are not tied to package load order; after a crash the flow
// is re-derivable from the device row alone.
type Pairing struct {
	db   *gorm.DB
	lock *locker.Locker
	cfg  *config.WhatsappConfig

	persist   func(deviceID int64, updates map[string]interface{}) error
	clientFor func(ctx context.Context, device *domain.WaDevice) (ProtocolClient, error)

	timersMux sync.Mutex
	timers    map[int64]*time.Timer

	maxAttempts       int
	freshFor          time.Duration
	refreshAfter      time.Duration
	firstBackoff      time.Duration
	stepBackoff       time.Duration
	preconditionDelay time.Duration
	rateLimitPause    time.Duration

	// sleep is swapped out in tests to skip real delays
	sleep func(ctx context.Context, d time.Duration) error
}

func newPairing(db *gorm.DB, lock *locker.Locker, cfg *config.WhatsappConfig,
	persist func(int64, map[string]interface{}) error,
	clientFor func(context.Context, *domain.WaDevice) (ProtocolClient, error)) *Pairing {

	maxAttempts := cfg.PairingMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	freshFor := time.Duration(cfg.CodeFreshSeconds) * time.Second
	if freshFor <= 0 {
		freshFor = 50 * time.Second
	}
	refreshAfter := time.Duration(cfg.CodeRefreshSeconds) * time.Second
	if refreshAfter <= 0 {
		refreshAfter = 45 * time.Second
	}

	return &Pairing{
		db:                db,
		lock:              lock,
		cfg:               cfg,
		persist:           persist,
		clientFor:         clientFor,
		timers:            make(map[int64]*time.Timer),
		maxAttempts:       maxAttempts,
		freshFor:          freshFor,
		refreshAfter:      refreshAfter,
		firstBackoff:      1 * time.Second,
		stepBackoff:       3 * time.Second,
		preconditionDelay: 2 * time.Second,
		rateLimitPause:    60 * time.Second,
		sleep:             sleepCtx,
	}
}

// RequestCode runs one pairing cycle for the device. Concurrent calls for the
// same device are serialized by the distributed lock: the loser returns
// ErrAlreadyInProgress immediately and issues no network call.
func (p *Pairing) RequestCode(ctx context.Context, deviceID int64) (*PairingOutcome, error) {
	return p.requestCode(ctx, deviceID, false)
}

func (p *Pairing) requestCode(ctx context.Context, deviceID int64, bypassFresh bool) (*PairingOutcome, error) {
	var device domain.WaDevice
	if err := p.db.First(&device, deviceID).Error; err != nil {
		return nil, fmt.Errorf("pairing: device %d: %w", deviceID, err)
	}

	// Validation happens before the lock and before any network call so
	// malformed input never consumes either.
	digits, err := NormalizePhone(device.PhoneForPairing, p.cfg.CountryCode, p.cfg.TrunkPrefix)
	if err != nil {
		_ = p.persist(deviceID, map[string]interface{}{
			"status":        domain.DeviceError,
			"error_message": "invalid phone number for pairing",
		})
		return nil, err
	}

	cli, err := p.clientFor(ctx, &device)
	if err != nil {
		return nil, err
	}
	if cli.IsRegistered() {
		// already authenticated, a new code would be redundant
		return &PairingOutcome{AlreadyRegistered: true}, nil
	}

	if !bypassFresh && device.PairingCode != "" && device.PairingCodeAt != nil &&
		time.Since(*device.PairingCodeAt) < p.freshFor {
		return &PairingOutcome{Code: device.PairingCode, AlreadyFresh: true}, nil
	}

	lockKey := lockKeyFor(deviceID)
	acquired, err := p.lock.Acquire(ctx, lockKey)
	if err != nil {
		// lock store unreachable: fail closed for this correctness-critical path
		return nil, err
	}
	if !acquired {
		return nil, ErrAlreadyInProgress
	}
	defer func() {
		if rerr := p.lock.Release(context.WithoutCancel(ctx), lockKey); rerr != nil {
			zap.L().Warn("pairing: lock release failed", zap.Int64("device_id", deviceID), zap.Error(rerr))
		}
	}()

	// pre-code window: the attempt loop can run for a while before a code
	// is issued or the flow errors out
	_ = p.persist(deviceID, map[string]interface{}{
		"status": domain.DeviceAwaitingCode,
	})

	return p.attemptLoop(ctx, deviceID, cli, digits)
}

// attemptLoop issues code requests up to the attempt ceiling with increasing
// backoff, classifying remote failures per their HTTP-equivalent status.
func (p *Pairing) attemptLoop(ctx context.Context, deviceID int64, cli ProtocolClient, digits string) (*PairingOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		wait := p.firstBackoff
		if attempt > 1 {
			wait = p.stepBackoff * time.Duration(attempt)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}

		code, err := cli.RequestPairingCode(ctx, digits)
		if err == nil {
			return p.succeed(deviceID, code)
		}
		lastErr = err

		switch classifyPairError(err) {
		case pairErrPrecondition:
			// handshake not ready yet: one short fixed retry that does not
			// consume this attempt slot
			zap.L().Debug("pairing: precondition failure, short retry",
				zap.Int64("device_id", deviceID), zap.Int("attempt", attempt))
			if serr := p.sleep(ctx, p.preconditionDelay); serr != nil {
				return nil, serr
			}
			code, err = cli.RequestPairingCode(ctx, digits)
			if err == nil {
				return p.succeed(deviceID, code)
			}
			lastErr = err
		case pairErrRateLimited:
			zap.L().Warn("pairing: rate limited by remote",
				zap.Int64("device_id", deviceID), zap.Int("attempt", attempt), zap.Error(err))
			_ = p.persist(deviceID, map[string]interface{}{
				"error_message": "pairing rate limited by remote, waiting before retry",
			})
			// renew the lock so it outlives the pause
			if eerr := p.lock.Extend(ctx, lockKeyFor(deviceID)); eerr != nil {
				zap.L().Warn("pairing: lock extend failed",
					zap.Int64("device_id", deviceID), zap.Error(eerr))
			}
			if serr := p.sleep(ctx, p.rateLimitPause); serr != nil {
				return nil, serr
			}
		default:
			zap.L().Warn("pairing: attempt failed",
				zap.Int64("device_id", deviceID), zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	msg := "pairing attempts exhausted"
	if lastErr != nil {
		msg = fmt.Sprintf("pairing attempts exhausted: %v", lastErr)
	}
	_ = p.persist(deviceID, map[string]interface{}{
		"status":        domain.DeviceError,
		"error_message": msg,
	})
	return nil, fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
}

func (p *Pairing) succeed(deviceID int64, rawCode string) (*PairingOutcome, error) {
	code := FormatPairingCode(rawCode)
	now := time.Now()
	if err := p.persist(deviceID, map[string]interface{}{
		"status":          domain.DeviceConnecting,
		"pairing_code":    code,
		"pairing_code_at": &now,
		"error_message":   "",
	}); err != nil {
		return nil, err
	}
	p.scheduleRefresh(deviceID)
	zap.L().Info("pairing: code issued", zap.Int64("device_id", deviceID))
	return &PairingOutcome{Code: code}, nil
}

// scheduleRefresh arms a one-shot timer that re-requests a code before the
// remote's ~60s expiry, as long as the device is still waiting on pairing.
func (p *Pairing) scheduleRefresh(deviceID int64) {
	p.timersMux.Lock()
	defer p.timersMux.Unlock()
	if t, ok := p.timers[deviceID]; ok {
		t.Stop()
	}
	p.timers[deviceID] = time.AfterFunc(p.refreshAfter, func() {
		p.refresh(deviceID)
	})
}

func (p *Pairing) refresh(deviceID int64) {
	p.timersMux.Lock()
	delete(p.timers, deviceID)
	p.timersMux.Unlock()

	var device domain.WaDevice
	if err := p.db.First(&device, deviceID).Error; err != nil {
		// device removed mid-pairing, nothing to refresh
		return
	}
	if device.Status != domain.DeviceConnecting || device.ConnectionMethod != domain.MethodPairing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := p.requestCode(ctx, deviceID, true); err != nil {
		// lock contention means another actor already refreshed; stay silent
		if err == ErrAlreadyInProgress {
			return
		}
		zap.L().Warn("pairing: refresh failed", zap.Int64("device_id", deviceID), zap.Error(err))
	}
}

// CancelRefresh stops any pending refresh timer for the device. Called on
// registration, disconnect and removal so a deleted device leaves no orphaned
// timer mutating its row.
func (p *Pairing) CancelRefresh(deviceID int64) {
	p.timersMux.Lock()
	defer p.timersMux.Unlock()
	if t, ok := p.timers[deviceID]; ok {
		t.Stop()
		delete(p.timers, deviceID)
	}
}

func lockKeyFor(deviceID int64) string {
	return fmt.Sprintf("pairing:%d", deviceID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
