package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/adminapi"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/broadcast"
	"github.com/talkincode/wagate/internal/cluster"
	"github.com/talkincode/wagate/internal/locker"
	"github.com/talkincode/wagate/internal/ratelimit"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfile   = flag.String("c", "/etc/wagate.yml", "config file")
	initdb  = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	showVer = flag.Bool("v", false, "show version and exit")
)

var version = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println("wagate", version)
		return
	}

	cfg := config.LoadConfig(*cfile)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := cluster.New(application.DB(), &cfg.Cluster)
	serverID, err := coordinator.Initialize(ctx)
	if err != nil {
		zap.L().Fatal("cluster registration failed", zap.Error(err))
	}

	lock := locker.New(application.Redis(), serverID,
		time.Duration(cfg.Whatsapp.LockTTLSeconds)*time.Second)
	limiter := ratelimit.New(application.Redis(), application.DB(), application.ConfigMgr())

	waService, err := whatsapp.New(cfg, application.DB(), lock, limiter, serverID)
	if err != nil {
		zap.L().Fatal("whatsapp service init failed", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Passwd,
		DB:       cfg.Redis.DB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	dispatcher := broadcast.NewDispatcher(application.DB(), application.Redis(), queueClient,
		time.Duration(cfg.Broadcast.DedupWindowSeconds)*time.Second)
	worker := broadcast.NewWorker(application.DB(), &cfg.Whatsapp, limiter, waService, coordinator)

	queueServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Broadcast.QueueConcurrency,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(broadcast.TypeCampaign, worker.HandleCampaignTask)

	webserver.Init(application)
	adminapi.Setup(waService, dispatcher, coordinator)

	application.StartGatewayJobs(ctx, dispatcher, coordinator)

	// resume sessions this instance owned before the restart
	go waService.ReconnectOwned(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webserver.Listen()
	})
	g.Go(func() error {
		return queueServer.Run(mux)
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			zap.L().Info("shutdown signal received", zap.String("signal", s.String()))
		case <-gctx.Done():
			return gctx.Err()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		queueServer.Shutdown()
		if err := webserver.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("webserver shutdown error", zap.Error(err))
		}
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("cluster shutdown error", zap.Error(err))
		}
		waService.Shutdown()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		zap.L().Error("gateway exited with error", zap.Error(err))
	}
	zap.L().Info("gateway stopped")
}
