package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/locker"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeClient scripts RequestPairingCode responses per call.
type fakeClient struct {
	mu         sync.Mutex
	registered bool
	responses  []fakeResponse
	calls      int32
	callGate   chan struct{} // when set, each call blocks until the gate closes
}

type fakeResponse struct {
	code string
	err  error
}

func (f *fakeClient) Connect() error           { return nil }
func (f *fakeClient) Disconnect()              {}
func (f *fakeClient) IsRegistered() bool       { return f.registered }
func (f *fakeClient) AuthenticatedJID() string { return "" }
func (f *fakeClient) AddEventHandler(h func(evt interface{})) {}
func (f *fakeClient) SendText(ctx context.Context, toJID, text string) error {
	return nil
}

func (f *fakeClient) RequestPairingCode(ctx context.Context, phoneDigits string) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.callGate != nil {
		<-f.callGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	if idx < 0 {
		return "", fmt.Errorf("unscripted call")
	}
	r := f.responses[idx]
	return r.code, r.err
}

func newPairingTest(t *testing.T, cli ProtocolClient) (*Pairing, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.WaDevice{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lock := locker.New(rdb, "test", time.Minute)

	cfg := &config.WhatsappConfig{
		CountryCode:        "62",
		TrunkPrefix:        "0",
		PairingMaxAttempts: 3,
		CodeFreshSeconds:   50,
		CodeRefreshSeconds: 45,
	}

	persist := func(deviceID int64, updates map[string]interface{}) error {
		updates["updated_at"] = time.Now()
		return db.Model(&domain.WaDevice{}).Where("id = ?", deviceID).Updates(updates).Error
	}
	clientFor := func(ctx context.Context, device *domain.WaDevice) (ProtocolClient, error) {
		return cli, nil
	}

	p := newPairing(db, lock, cfg, persist, clientFor)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p, db
}

func seedDevice(t *testing.T, db *gorm.DB, device *domain.WaDevice) {
	t.Helper()
	if device.ConnectionMethod == "" {
		device.ConnectionMethod = domain.MethodPairing
	}
	if device.Status == "" {
		device.Status = domain.DeviceDisconnected
	}
	require.NoError(t, db.Create(device).Error)
}

func TestRequestCodeSuccess(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "abcd1234"}}}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", outcome.Code)
	assert.False(t, outcome.AlreadyFresh)

	var device domain.WaDevice
	require.NoError(t, db.First(&device, 1).Error)
	assert.Equal(t, domain.DeviceConnecting, device.Status)
	assert.Equal(t, "ABCD-1234", device.PairingCode)
	assert.NotNil(t, device.PairingCodeAt)
	assert.Empty(t, device.ErrorMessage)

	p.CancelRefresh(1)
}

func TestRequestCodeFreshGuard(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "wxyz9876"}}}
	p, db := newPairingTest(t, cli)

	issued := time.Now().Add(-10 * time.Second)
	seedDevice(t, db, &domain.WaDevice{
		ID:              1,
		PhoneForPairing: "081234567890",
		Status:          domain.DeviceConnecting,
		PairingCode:     "ABCD-1234",
		PairingCodeAt:   &issued,
	})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyFresh)
	assert.Equal(t, "ABCD-1234", outcome.Code)
	assert.EqualValues(t, 0, atomic.LoadInt32(&cli.calls), "a fresh code must suppress the network call")
}

func TestRequestCodeStaleCodeReissued(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "wxyz9876"}}}
	p, db := newPairingTest(t, cli)

	issued := time.Now().Add(-55 * time.Second)
	seedDevice(t, db, &domain.WaDevice{
		ID:              1,
		PhoneForPairing: "081234567890",
		Status:          domain.DeviceConnecting,
		PairingCode:     "ABCD-1234",
		PairingCodeAt:   &issued,
	})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyFresh)
	assert.Equal(t, "WXYZ-9876", outcome.Code)

	p.CancelRefresh(1)
}

func TestRequestCodeInvalidPhone(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "abcd1234"}}}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "12"})

	_, err := p.RequestCode(context.Background(), 1)
	require.ErrorIs(t, err, ErrInvalidPhone)
	assert.EqualValues(t, 0, atomic.LoadInt32(&cli.calls), "validation failures must never reach the network")

	var device domain.WaDevice
	require.NoError(t, db.First(&device, 1).Error)
	assert.Equal(t, domain.DeviceError, device.Status)
	assert.NotEmpty(t, device.ErrorMessage)
}

func TestRequestCodeAlreadyRegistered(t *testing.T) {
	cli := &fakeClient{registered: true}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyRegistered)
	assert.EqualValues(t, 0, atomic.LoadInt32(&cli.calls))
}

func TestRequestCodeConcurrentSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	cli := &fakeClient{
		responses: []fakeResponse{{code: "abcd1234"}},
		callGate:  gate,
	}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	winnerDone := make(chan error, 1)
	go func() {
		_, err := p.RequestCode(context.Background(), 1)
		winnerDone <- err
	}()

	// wait until the winner is inside the network call, holding the lock
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&cli.calls) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := p.RequestCode(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	close(gate)
	require.NoError(t, <-winnerDone)
	assert.EqualValues(t, 1, atomic.LoadInt32(&cli.calls), "the loser must not issue a network call")

	p.CancelRefresh(1)
}

func TestRequestCodePreconditionRetryKeepsAttemptBudget(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{
		{err: &PairError{StatusCode: 428, Message: "precondition required"}},
		{code: "abcd1234"},
	}}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", outcome.Code)
	// one consumed attempt plus the free short retry
	assert.EqualValues(t, 2, atomic.LoadInt32(&cli.calls))

	p.CancelRefresh(1)
}

func TestRequestCodeRateLimitedPersistsMessage(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{
		{err: &PairError{StatusCode: 429, Message: "rate-overlimit"}},
		{code: "abcd1234"},
	}}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	var sawPause atomic.Bool
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if d == p.rateLimitPause {
			sawPause.Store(true)
			// the pause message must already be visible to operators, and
			// the device must advertise the pre-code window
			var device domain.WaDevice
			if err := db.First(&device, 1).Error; err == nil {
				assert.Contains(t, device.ErrorMessage, "rate limited")
				assert.Equal(t, domain.DeviceAwaitingCode, device.Status)
			}
		}
		return nil
	}

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", outcome.Code)
	assert.True(t, sawPause.Load(), "remote rate limiting must trigger the long pause")

	var device domain.WaDevice
	require.NoError(t, db.First(&device, 1).Error)
	assert.Empty(t, device.ErrorMessage, "success must clear the transient message")

	p.CancelRefresh(1)
}

func TestRequestCodeLockHeldThroughRateLimitPause(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{
		{err: &PairError{StatusCode: 429, Message: "rate-overlimit"}},
		{code: "abcd1234"},
	}}

	// self-contained setup so the test can drive the redis clock
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.WaDevice{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lock := locker.New(rdb, "svc", locker.DefaultTTL)
	rival := locker.New(rdb, "rival", locker.DefaultTTL)

	cfg := &config.WhatsappConfig{
		CountryCode:        "62",
		TrunkPrefix:        "0",
		PairingMaxAttempts: 3,
		CodeFreshSeconds:   50,
		CodeRefreshSeconds: 45,
	}
	persist := func(deviceID int64, updates map[string]interface{}) error {
		updates["updated_at"] = time.Now()
		return db.Model(&domain.WaDevice{}).Where("id = ?", deviceID).Updates(updates).Error
	}
	p := newPairing(db, lock, cfg, persist,
		func(ctx context.Context, device *domain.WaDevice) (ProtocolClient, error) {
			return cli, nil
		})

	// replay the loop's real delays against the redis clock; mid-pause a
	// concurrent trigger must still lose the lock
	p.sleep = func(ctx context.Context, d time.Duration) error {
		mr.FastForward(d)
		if d == p.rateLimitPause {
			got, aerr := rival.Acquire(ctx, "pairing:1")
			require.NoError(t, aerr)
			assert.False(t, got, "the lock must survive the pairing cycle's longest pause")
		}
		return nil
	}
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", outcome.Code)

	// the finished cycle released only its own hold
	got, err := rival.Acquire(context.Background(), "pairing:1")
	require.NoError(t, err)
	assert.True(t, got, "a completed cycle must free the lock")

	p.CancelRefresh(1)
}

func TestRequestCodeAttemptsExhausted(t *testing.T) {
	boom := &PairError{StatusCode: 500, Message: "server error"}
	cli := &fakeClient{responses: []fakeResponse{{err: boom}}}
	p, db := newPairingTest(t, cli)
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	_, err := p.RequestCode(context.Background(), 1)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.EqualValues(t, 3, atomic.LoadInt32(&cli.calls))

	var device domain.WaDevice
	require.NoError(t, db.First(&device, 1).Error)
	assert.Equal(t, domain.DeviceError, device.Status)
	assert.Contains(t, device.ErrorMessage, "exhausted")

	// terminal failure must release the lock so a later request can run
	cli.mu.Lock()
	cli.responses = []fakeResponse{{code: "abcd1234"}}
	cli.mu.Unlock()
	atomic.StoreInt32(&cli.calls, 0)

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", outcome.Code)

	p.CancelRefresh(1)
}

func TestRefreshReissuesWhileStillPairing(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "abcd1234"}, {code: "wxyz9876"}}}
	p, db := newPairingTest(t, cli)
	p.refreshAfter = 20 * time.Millisecond
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	outcome, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "ABCD-1234", outcome.Code)

	// device is still connecting and unregistered, so the timer must fetch
	// a replacement code without an operator trigger
	require.Eventually(t, func() bool {
		var device domain.WaDevice
		if derr := db.First(&device, 1).Error; derr != nil {
			return false
		}
		return device.PairingCode == "WXYZ-9876" && device.Status == domain.DeviceConnecting
	}, 2*time.Second, 10*time.Millisecond, "the refresh timer must reissue the code")

	// settle the device so no further cycle fires, then drop the timer
	require.NoError(t, db.Model(&domain.WaDevice{}).Where("id = ?", 1).
		Update("status", domain.DeviceConnected).Error)
	p.CancelRefresh(1)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&cli.calls), int32(2))
}

func TestRefreshSkipsSettledDevice(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "abcd1234"}}}
	p, db := newPairingTest(t, cli)
	p.refreshAfter = 30 * time.Millisecond
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	_, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)

	// device authenticates before the timer fires
	require.NoError(t, db.Model(&domain.WaDevice{}).Where("id = ?", 1).
		Update("status", domain.DeviceConnected).Error)

	before := atomic.LoadInt32(&cli.calls)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, atomic.LoadInt32(&cli.calls), "a settled device must not be refreshed")
}

func TestCancelRefreshStopsTimer(t *testing.T) {
	cli := &fakeClient{responses: []fakeResponse{{code: "abcd1234"}}}
	p, db := newPairingTest(t, cli)
	p.refreshAfter = 20 * time.Millisecond
	seedDevice(t, db, &domain.WaDevice{ID: 1, PhoneForPairing: "081234567890"})

	_, err := p.RequestCode(context.Background(), 1)
	require.NoError(t, err)
	p.CancelRefresh(1)

	before := atomic.LoadInt32(&cli.calls)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, atomic.LoadInt32(&cli.calls), "cancelled refresh must not fire")
}
