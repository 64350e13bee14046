package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 5m", func() {
		a.SchedClearStaleQrSessions()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// CampaignDispatcher is the dispatch cycle surface registered as a
// recurring job.
type CampaignDispatcher interface {
	PollAndEnqueue(ctx context.Context) (int, error)
}

// ClusterHeartbeat republishes instance liveness.
type ClusterHeartbeat interface {
	UpdateHealth(ctx context.Context) error
}

// StartGatewayJobs registers the recurring gateway tasks on the shared
// scheduler: campaign dispatch and cluster heartbeat.
func (a *Application) StartGatewayJobs(ctx context.Context, dispatcher CampaignDispatcher, heartbeat ClusterHeartbeat) {
	pollEvery := a.appConfig.Broadcast.PollIntervalSeconds
	if pollEvery <= 0 {
		pollEvery = 10
	}
	hbEvery := a.appConfig.Cluster.HeartbeatSeconds
	if hbEvery <= 0 {
		hbEvery = 60
	}

	var err error
	_, err = a.sched.AddFunc(fmt.Sprintf("@every %ds", pollEvery), func() {
		if _, err := dispatcher.PollAndEnqueue(ctx); err != nil {
			zap.L().Error("campaign dispatch cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc(fmt.Sprintf("@every %ds", hbEvery), func() {
		if err := heartbeat.UpdateHealth(ctx); err != nil {
			zap.L().Error("cluster heartbeat failed", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}
}

func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	idays := a.ConfigMgr().GetInt("system", "OprLogRetentionDays")
	if idays == 0 {
		idays = 365
	}
	a.gormDB.
		Where("opt_time < ? ", time.Now().
			Add(-time.Hour*24*time.Duration(idays))).Delete(domain.SysOprLog{})
}

// SchedClearStaleQrSessions resets devices stuck waiting on a QR scan that
// nobody completed; the session restarts cleanly on the next connect request.
func (a *Application) SchedClearStaleQrSessions() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	expireMinutes := a.ConfigMgr().GetInt("whatsapp", "QrExpireMinutes")
	if expireMinutes == 0 {
		expireMinutes = 10
	}
	cutoff := time.Now().Add(-time.Duration(expireMinutes) * time.Minute)

	result := a.gormDB.Model(&domain.WaDevice{}).
		Where("status = ? AND updated_at < ?", domain.DeviceAwaitingScan, cutoff).
		Updates(map[string]interface{}{
			"status":     domain.DeviceDisconnected,
			"qr_code":    "",
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		zap.L().Error("stale qr cleanup failed", zap.Error(result.Error))
	} else if result.RowsAffected > 0 {
		zap.L().Info("stale qr sessions cleared", zap.Int64("count", result.RowsAffected))
	}
}
