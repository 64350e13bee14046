package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/locker"
	"github.com/talkincode/wagate/internal/ratelimit"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	watchInterval = 5 * time.Second
	watchDeadline = 5 * time.Minute
)

// Service is the device connection state machine. It owns one protocol client
// per device, funnels every device mutation through a single persist
// operation, and delegates phone pairing to the orchestrator.
type Service struct {
	db       *gorm.DB
	cfg      *config.AppConfig
	limiter  *ratelimit.Limiter
	store    *sqlstore.Container
	pairing  *Pairing
	serverID string

	clientsMux sync.RWMutex
	clients    map[int64]ProtocolClient

	watchersMux sync.Mutex
	watchers    map[int64]struct{}

	// factory builds a client for a device; replaced in tests
	factory func(ctx context.Context, device *domain.WaDevice) (ProtocolClient, error)
}

// New wires the state machine onto the shared gorm handle. The whatsmeow
// session store reuses the application's DB connection so its tables live in
// the same database (and migrations run once, here).
func New(cfg *config.AppConfig, db *gorm.DB, lock *locker.Locker, limiter *ratelimit.Limiter, serverID string) (*Service, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("whatsapp: obtain underlying sql.DB: %w", err)
	}
	driver := "postgres"
	if cfg.Database.Type == "sqlite" {
		driver = "sqlite3"
	}
	container := sqlstore.NewWithDB(sqlDB, driver, nil)
	if err := container.Upgrade(context.Background()); err != nil {
		return nil, fmt.Errorf("whatsapp: sqlstore upgrade: %w", err)
	}

	s := &Service{
		db:       db,
		cfg:      cfg,
		limiter:  limiter,
		store:    container,
		serverID: serverID,
		clients:  make(map[int64]ProtocolClient),
		watchers: make(map[int64]struct{}),
	}
	s.factory = s.meowFactory
	s.pairing = newPairing(db, lock, &cfg.Whatsapp, s.persistState, s.clientFor)

	zap.L().Info("whatsapp: service initialized", zap.String("driver", driver))
	return s, nil
}

// BringOnline drives one device toward the connected state. The heavy lifting
// continues asynchronously via protocol events and the registration watcher;
// this call returns once the connection attempt is underway.
func (s *Service) BringOnline(ctx context.Context, deviceID int64) error {
	var device domain.WaDevice
	if err := s.db.First(&device, deviceID).Error; err != nil {
		return fmt.Errorf("whatsapp: device %d: %w", deviceID, err)
	}
	if device.ConnectionMethod != domain.MethodQR && device.ConnectionMethod != domain.MethodPairing {
		_ = s.persistState(deviceID, map[string]interface{}{
			"status":        domain.DeviceError,
			"error_message": "connection method not configured",
		})
		return ErrNoConnectionMethod
	}

	allowed, err := s.limiter.CheckTenant(ctx, device.TenantId, "connect")
	if err != nil {
		return err
	}
	if !allowed {
		zap.L().Warn("whatsapp: connect attempt rate limited",
			zap.Int64("device_id", deviceID), zap.Int64("tenant_id", device.TenantId))
		return ErrConnectRateLimited
	}

	if err := s.persistState(deviceID, map[string]interface{}{
		"status":        domain.DeviceConnecting,
		"error_message": "",
	}); err != nil {
		return err
	}

	cli, err := s.clientFor(ctx, &device)
	if err != nil {
		_ = s.persistState(deviceID, map[string]interface{}{
			"status":        domain.DeviceError,
			"error_message": fmt.Sprintf("client init failed: %v", err),
		})
		return err
	}

	if err := cli.Connect(); err != nil {
		_ = s.persistState(deviceID, map[string]interface{}{
			"status":        domain.DeviceError,
			"error_message": fmt.Sprintf("connect failed: %v", err),
		})
		return fmt.Errorf("whatsapp: connect device %d: %w", deviceID, err)
	}

	if cli.IsRegistered() {
		s.markConnected(deviceID, cli.AuthenticatedJID())
		return nil
	}

	s.startWatcher(deviceID)

	if device.ConnectionMethod == domain.MethodPairing {
		if _, err := s.pairing.RequestCode(ctx, deviceID); err != nil {
			// contention means another trigger is already pairing this device
			if err == ErrAlreadyInProgress {
				return nil
			}
			return err
		}
	}
	// qr method: the scan payload arrives via QREvent and is persisted there
	return nil
}

// RequestPairingCode exposes the orchestrator for explicit admin triggers.
func (s *Service) RequestPairingCode(ctx context.Context, deviceID int64) (*PairingOutcome, error) {
	return s.pairing.RequestCode(ctx, deviceID)
}

// SendText sends a message from the device's live session to the given
// normalized phone number.
func (s *Service) SendText(ctx context.Context, deviceID int64, phoneDigits, text string) error {
	s.clientsMux.RLock()
	cli, ok := s.clients[deviceID]
	s.clientsMux.RUnlock()
	if !ok || cli == nil {
		return fmt.Errorf("whatsapp: no client for device %d", deviceID)
	}
	if !cli.IsRegistered() {
		return fmt.Errorf("whatsapp: device %d not registered", deviceID)
	}
	return cli.SendText(ctx, userJID(phoneDigits), text)
}

// Disconnect tears the device's session down without removing it.
func (s *Service) Disconnect(deviceID int64) error {
	s.pairing.CancelRefresh(deviceID)
	s.clientsMux.Lock()
	cli, ok := s.clients[deviceID]
	delete(s.clients, deviceID)
	s.clientsMux.Unlock()
	if ok && cli != nil {
		cli.Disconnect()
	}
	return s.persistState(deviceID, map[string]interface{}{
		"status": domain.DeviceDisconnected,
	})
}

// Remove disconnects and soft-deletes the device. Pending pairing timers are
// cancelled so nothing keeps mutating the deleted row.
func (s *Service) Remove(ctx context.Context, deviceID int64) error {
	s.pairing.CancelRefresh(deviceID)
	s.clientsMux.Lock()
	cli, ok := s.clients[deviceID]
	delete(s.clients, deviceID)
	s.clientsMux.Unlock()
	if ok && cli != nil {
		cli.Disconnect()
	}
	if err := s.db.WithContext(ctx).Delete(&domain.WaDevice{}, deviceID).Error; err != nil {
		return fmt.Errorf("whatsapp: remove device %d: %w", deviceID, err)
	}
	zap.L().Info("whatsapp: device removed", zap.Int64("device_id", deviceID))
	return nil
}

// ReconnectOwned brings devices previously connected on this instance back
// online after a restart.
func (s *Service) ReconnectOwned(ctx context.Context) {
	var devices []domain.WaDevice
	if err := s.db.Where("server_id = ? AND status = ?", s.serverID, domain.DeviceConnected).
		Find(&devices).Error; err != nil {
		zap.L().Warn("whatsapp: reconnect scan failed", zap.Error(err))
		return
	}
	for _, d := range devices {
		go func(id int64) {
			if err := s.BringOnline(ctx, id); err != nil {
				zap.L().Warn("whatsapp: reconnect failed", zap.Int64("device_id", id), zap.Error(err))
			}
		}(d.ID)
	}
	if len(devices) > 0 {
		zap.L().Info("whatsapp: reconnecting owned devices", zap.Int("count", len(devices)))
	}
}

// Shutdown disconnects every client and cancels pending timers.
func (s *Service) Shutdown() {
	s.clientsMux.Lock()
	clients := s.clients
	s.clients = make(map[int64]ProtocolClient)
	s.clientsMux.Unlock()
	for id, cli := range clients {
		s.pairing.CancelRefresh(id)
		if cli != nil {
			cli.Disconnect()
		}
	}
	zap.L().Info("whatsapp: all clients disconnected")
}

// persistState is the single funnel for device mutations so status, code and
// error fields change atomically from the datastore's point of view.
func (s *Service) persistState(deviceID int64, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	if err := s.db.Model(&domain.WaDevice{}).Where("id = ?", deviceID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("whatsapp: persist device %d: %w", deviceID, err)
	}
	return nil
}

// clientFor returns the device's client, creating and registering one on
// first use.
func (s *Service) clientFor(ctx context.Context, device *domain.WaDevice) (ProtocolClient, error) {
	s.clientsMux.RLock()
	cli, ok := s.clients[device.ID]
	s.clientsMux.RUnlock()
	if ok && cli != nil {
		return cli, nil
	}

	cli, err := s.factory(ctx, device)
	if err != nil {
		return nil, err
	}
	cli.AddEventHandler(s.eventHandler(device.ID))

	s.clientsMux.Lock()
	if existing, ok := s.clients[device.ID]; ok && existing != nil {
		// lost the race, keep the first client
		s.clientsMux.Unlock()
		cli.Disconnect()
		return existing, nil
	}
	s.clients[device.ID] = cli
	s.clientsMux.Unlock()
	return cli, nil
}

// meowFactory builds a whatsmeow-backed client, reusing the persisted session
// store entry tagged with this device's marker when one exists.
func (s *Service) meowFactory(ctx context.Context, device *domain.WaDevice) (ProtocolClient, error) {
	marker := fmt.Sprintf("wagate:%d", device.ID)

	stored, err := s.store.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: list stored sessions: %w", err)
	}
	for _, d := range stored {
		if d != nil && d.BusinessName == marker {
			return &meowClient{cli: whatsmeow.NewClient(d, nil)}, nil
		}
	}

	dev := s.store.NewDevice()
	dev.PushName = device.DeviceName
	dev.BusinessName = marker
	if err := s.store.PutDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("whatsapp: persist session store entry: %w", err)
	}
	zap.L().Info("whatsapp: provisioned session store entry", zap.Int64("device_id", device.ID))
	return &meowClient{cli: whatsmeow.NewClient(dev, nil)}, nil
}

// eventHandler reacts to translated protocol events for one device.
func (s *Service) eventHandler(deviceID int64) func(evt interface{}) {
	return func(evt interface{}) {
		switch e := evt.(type) {
		case QREvent:
			var device domain.WaDevice
			if err := s.db.First(&device, deviceID).Error; err != nil {
				return
			}
			if device.ConnectionMethod != domain.MethodQR {
				return
			}
			_ = s.persistState(deviceID, map[string]interface{}{
				"status":  domain.DeviceAwaitingScan,
				"qr_code": e.Code,
			})
			zap.L().Info("whatsapp: qr code captured", zap.Int64("device_id", deviceID))
		case RegisteredEvent:
			s.markConnected(deviceID, e.JID)
		case DisconnectedEvent:
			var device domain.WaDevice
			if err := s.db.First(&device, deviceID).Error; err != nil {
				return
			}
			if device.Status == domain.DeviceConnected {
				_ = s.persistState(deviceID, map[string]interface{}{
					"status": domain.DeviceDisconnected,
				})
				zap.L().Warn("whatsapp: device disconnected", zap.Int64("device_id", deviceID))
			}
		case LoggedOutEvent:
			s.pairing.CancelRefresh(deviceID)
			_ = s.persistState(deviceID, map[string]interface{}{
				"status":        domain.DeviceError,
				"error_message": "session logged out by remote",
				"jid":           "",
			})
			zap.L().Warn("whatsapp: device logged out", zap.Int64("device_id", deviceID))
		}
	}
}

// markConnected finalizes authentication: persists identity and timestamps,
// clears pairing artifacts and cancels the refresh timer.
func (s *Service) markConnected(deviceID int64, jid string) {
	s.pairing.CancelRefresh(deviceID)
	now := time.Now()
	_ = s.persistState(deviceID, map[string]interface{}{
		"status":            domain.DeviceConnected,
		"jid":               jid,
		"phone_number":      phoneFromJID(jid),
		"last_connected_at": &now,
		"pairing_code":      "",
		"qr_code":           "",
		"error_message":     "",
	})
	zap.L().Info("whatsapp: device connected", zap.Int64("device_id", deviceID), zap.String("jid", jid))
}

// startWatcher runs the safety-net registration monitor: some client builds
// do not emit a usable registration event, so poll the client state until the
// deadline and force a terminal error if pairing never completes.
func (s *Service) startWatcher(deviceID int64) {
	s.watchersMux.Lock()
	if _, running := s.watchers[deviceID]; running {
		s.watchersMux.Unlock()
		return
	}
	s.watchers[deviceID] = struct{}{}
	s.watchersMux.Unlock()

	go func() {
		defer func() {
			s.watchersMux.Lock()
			delete(s.watchers, deviceID)
			s.watchersMux.Unlock()
		}()

		deadline := time.Now().Add(watchDeadline)
		for time.Now().Before(deadline) {
			time.Sleep(watchInterval)

			var device domain.WaDevice
			if err := s.db.First(&device, deviceID).Error; err != nil {
				return
			}
			switch device.Status {
			case domain.DeviceConnecting, domain.DeviceAwaitingCode, domain.DeviceAwaitingScan:
				// still watching
			default:
				// device moved on, cooperative cancel
				return
			}

			s.clientsMux.RLock()
			cli := s.clients[deviceID]
			s.clientsMux.RUnlock()
			if cli == nil {
				return
			}
			if cli.IsRegistered() {
				s.markConnected(deviceID, cli.AuthenticatedJID())
				return
			}
		}

		_ = s.persistState(deviceID, map[string]interface{}{
			"status":        domain.DeviceError,
			"error_message": "registration not completed in time",
		})
		zap.L().Warn("whatsapp: registration watch timed out", zap.Int64("device_id", deviceID))
	}()
}
