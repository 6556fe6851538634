package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"confluence/internal/activespeaker"
	"confluence/internal/chat"
	"confluence/internal/conn"
	"confluence/internal/domain"
	"confluence/internal/httpapi"
	"confluence/internal/jobsclient"
	"confluence/internal/lock"
	"confluence/internal/mediasfu"
	"confluence/internal/mediasfu/pionengine"
	"confluence/internal/ports"
	"confluence/internal/queue"
	"confluence/internal/room"
	"confluence/internal/session"
	"confluence/internal/sidetap"
	"confluence/internal/streaming"
	"confluence/internal/transportsvc"
	"confluence/internal/workerpool"
	"confluence/pkg/config"
	"confluence/pkg/logger"
	"confluence/pkg/tracing"
)

// defaultConfigPaths mirrors cmd/ingest/main.go fallback
// chain: try each candidate path in order, falling back to built-in
// defaults if none can be read.
var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/confluence/config.yaml",
	"config.yaml",
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat, media, and HTTP listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (falls back to the built-in search path, then defaults)")
	return cmd
}

func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.Load(explicitPath)
	}
	var cfg *config.Config
	var err error
	for _, p := range defaultConfigPaths {
		cfg, err = config.Load(p)
		if err == nil {
			return cfg, nil
		}
	}
	return cfg, err
}

func runServe(configPath string) error {
	startTime := time.Now()

	cfg, err := loadConfig(configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = runtime.NumCPU()
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     cfg.Tracing.Enabled,
			ServiceName: cfg.Tracing.ServiceName,
			JaegerURL:   cfg.Tracing.JaegerURL,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warnw("tracing init failed, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr(), err)
		}
	}
	defer redisClient.Close()

	metrics := httpapi.NewMetrics()

	locks := lock.New(redisClient, lock.Config{
		LeaseDuration:   cfg.Lock.LeaseDuration,
		ExtendThreshold: cfg.Lock.ExtendThreshold,
		MaxRetries:      cfg.Lock.MaxRetries,
		RetryDelay:      cfg.Lock.RetryDelay,
		RetryJitter:     cfg.Lock.RetryJitter,
	}, log, metrics)

	queueMgr := queue.NewManager(cfg.Queue.IdleTimeout, log.Infof)
	queueMgr.StartIdleSweeper(cfg.Queue.IdleSweepInterval)
	defer queueMgr.Destroy()

	registry := session.New(redisClient)
	instanceID := uuid.NewString()
	evictionBus := session.NewEvictionBus(redisClient, instanceID, log)

	jobsClient := jobsclient.New(jobsclient.Config{
		BaseURL:        cfg.JobsService.BaseURL,
		RequestTimeout: cfg.JobsService.RequestTimeout,
		MaxRetries:     cfg.JobsService.MaxRetries,
	})

	hub := conn.NewHub(cfg.Server.WriteTimeout, log)

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	go func() {
		if err := evictionBus.Subscribe(ctx, func(socketID string) {
			_ = hub.DisconnectSocket(socketID)
		}); err != nil && ctx.Err() == nil {
			log.Errorw("eviction bus subscription stopped", "error", err)
		}
	}()

	chatGateway := chat.New(redisClient, locks.AsPorts(), queueMgr, hub, chat.Config{
		IdempotencyTTL: cfg.Queue.IdempotencyTTL,
		LockMode:       chat.LockMode(cfg.Queue.LockMode),
	}, log, metrics)

	factory := workerpool.Factory(func(pid int) (mediasfu.Worker, error) {
		return pionengine.NewWorker(pid, cfg.Worker.RTCMinPort, cfg.Worker.RTCMaxPort)
	})
	pool := workerpool.New(workerpool.Config{
		Count:             cfg.Worker.Count,
		SampleInterval:    cfg.Worker.SampleInterval,
		RTCMinPort:        cfg.Worker.RTCMinPort,
		RTCMaxPort:        cfg.Worker.RTCMaxPort,
		WeightCPU:         cfg.Worker.WeightCPU,
		WeightRouters:     cfg.Worker.WeightRouters,
		WeightTransports:  cfg.Worker.WeightTransports,
		OverloadThreshold: cfg.Worker.OverloadThreshold,
		RespawnOnDeath:    cfg.Worker.RespawnOnDeath,
		RespawnDelay:      cfg.Worker.RespawnDelay,
	}, factory, log)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer pool.Stop(context.Background())

	engine := activespeaker.NewEngine(activespeaker.Config{
		MaxActiveSpeakers: cfg.ActiveSpeaker.MaxActiveSpeakers,
	}, hub, zapLogger)

	var sidetapMgr streaming.SideTap
	if cfg.SideTap.Enabled {
		sidetapMgr = sidetap.NewManager(sidetap.Config{
			Enabled:         cfg.SideTap.Enabled,
			BaseDir:         cfg.SideTap.BaseDir,
			TranscriptDir:   cfg.SideTap.TranscriptDir,
			PortRangeMin:    cfg.SideTap.PortRangeMin,
			PortRangeMax:    cfg.SideTap.PortRangeMax,
			SegmentDuration: cfg.SideTap.SegmentDuration,
			SegmenterBinary: cfg.SideTap.SegmenterBinary,
			Transcription: sidetap.TranscriptionConfig{
				Script:      cfg.SideTap.TranscriptionScript,
				Model:       cfg.SideTap.TranscriptionModel,
				Device:      cfg.SideTap.TranscriptionDevice,
				ComputeType: cfg.SideTap.TranscriptionComputeType,
				Language:    cfg.SideTap.TranscriptionLanguage,
				Timeout:     cfg.SideTap.TranscriptionTimeout,
			},
		}, hub, zapLogger)
	} else {
		sidetapMgr = noopSideTap{}
	}

	transportSvc := transportsvc.New(pool)

	streamingGateway := streaming.New(pool, transportSvc, engine, sidetapMgr, locks.AsPorts(), hub, ports.SystemClock{}, log)

	roomStore := room.NewStore(room.Config{
		RefreshInterval:       cfg.Room.RefreshInterval,
		ActiveSpeakerInterval: cfg.Room.ActiveSpeakerInterval,
		PendingJoinTTL:        cfg.Room.PendingJoinTTL,
		InitialBitrate:        cfg.Room.InitialBitrate,
		MaxIncomingBitrate:    cfg.Room.MaxIncomingBitrate,
	}, pool, streamingGateway.OnDominantSpeaker, streamingGateway.OnRefresh)
	streamingGateway.SetRoomStore(roomStore)

	handshakeLimiter := buildHandshakeLimiter(cfg)
	validator := conn.NewTokenValidator(cfg.Auth.JWTSecret)

	chatSupervisor := conn.NewChatSupervisor(hub, validator, registry, evictionBus, jobsClient, chatGateway, handshakeLimiter, cfg.Auth.HandshakeTimeout, log)
	streamSupervisor := conn.NewStreamSupervisor(hub, streamingGateway, handshakeLimiter, log)

	startMetricsSampler(ctx, pool, roomStore, queueMgr, sidetapMgr, metrics, cfg.Monitoring.MetricsInterval)

	httpRouter := httpapi.NewRouter(httpapi.Deps{
		Config:      cfg,
		Logger:      log,
		Metrics:     metrics,
		RedisClient: redisClient,
		Rooms:       roomStore,
		Workers:     httpapi.NewWorkerInspector(pool),
		StartTime:   startTime,
	})

	chatMux := http.NewServeMux()
	chatMux.HandleFunc("/", chatSupervisor.HandleConnection)
	chatServer := &http.Server{
		Addr:         cfg.Server.ChatAddress,
		Handler:      chatMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mediaMux := http.NewServeMux()
	mediaMux.HandleFunc("/", streamSupervisor.HandleConnection)
	mediaServer := &http.Server{
		Addr:         cfg.Server.MediaAddress,
		Handler:      mediaMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddress,
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 3)
	go runListener(chatServer, "chat", log, serverErr)
	go runListener(mediaServer, "media", log, serverErr)
	go runListener(httpServer, "http", log, serverErr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("listener failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	cancelBackground()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	for name, srv := range map[string]*http.Server{"chat": chatServer, "media": mediaServer, "http": httpServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("graceful shutdown failed, forcing close", "listener", name, "error", err)
			_ = srv.Close()
		}
	}

	return nil
}

func runListener(srv *http.Server, name string, log *zap.SugaredLogger, errCh chan<- error) {
	log.Infow("listener starting", "listener", name, "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("%s listener: %w", name, err)
	}
}

func buildHandshakeLimiter(cfg *config.Config) *conn.HandshakeLimiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	return conn.NewHandshakeLimiter(cfg.RateLimiting.Handshake.ConnectionsPerMinute, cfg.RateLimiting.Handshake.Burst)
}

// sessionCounter is satisfied by *sidetap.Manager but not by noopSideTap, so
// the sampler below has to type-assert for it rather than calling it through
// streaming.SideTap directly.
type sessionCounter interface {
	SessionCount() int
}

// startMetricsSampler periodically refreshes the per-worker gauges from the
// pool's own sampling loop, plus the room/queue/side-tap gauges that don't
// have a comparable internal sampling loop of their own, on its own interval
// (Monitoring.MetricsInterval, 30s by default, independent of the worker
// pool's sample interval) rather than polling on every scrape.
func startMetricsSampler(ctx context.Context, pool *workerpool.Pool, rooms *room.Store, queueMgr *queue.Manager, sidetapMgr streaming.SideTap, metrics *httpapi.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	counter, hasSessionCount := sidetapMgr.(sessionCounter)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				records := pool.Snapshot()
				snapshots := make([]httpapi.WorkerSnapshot, 0, len(records))
				for _, r := range records {
					snapshots = append(snapshots, httpapi.WorkerSnapshot{
						Pid:        fmt.Sprintf("%d", r.Pid),
						CPUPercent: r.CPUPercent,
						Routers:    r.Routers,
					})
				}
				metrics.RefreshWorkerGauges(snapshots)

				roomCount, participantCount := rooms.Counts()
				metrics.SetRoomsActive(roomCount)
				metrics.SetParticipantsTotal(participantCount)
				metrics.SetQueueDepth(queueMgr.TotalDepth())
				if hasSessionCount {
					metrics.SetSideTapSessionsActive(counter.SessionCount())
				}
			}
		}
	}()
}

// noopSideTap satisfies streaming.SideTap when side-tap transcription is
// disabled in configuration, so the streaming gateway never needs to
// branch on whether side-tap is on.
type noopSideTap struct{}

func (noopSideTap) Start(ctx context.Context, router sidetap.Router, roomID domain.RoomId, participantID domain.UserId, displayName string, producer mediasfu.Producer) (*domain.AudioSession, error) {
	return nil, nil
}

func (noopSideTap) Stop(ctx context.Context, roomID domain.RoomId, producerID domain.ProducerId) {}

func (noopSideTap) ClearRoom(roomID domain.RoomId) {}
