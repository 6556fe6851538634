package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"confluence/internal/room"
	"confluence/internal/workerpool"
	"confluence/pkg/config"
	"confluence/pkg/optimize"
	"confluence/pkg/validation"
)

// RoomInspector is the slice of internal/room.Store the introspection
// endpoints need.
type RoomInspector interface {
	RoomByID(roomID string) (*room.Room, bool)
}

// WorkerInspector is the slice of internal/workerpool.Pool the
// introspection endpoint needs.
type WorkerInspector interface {
	Snapshot() []WorkerRecordView
}

// WorkerRecordView mirrors domain.WorkerRecord's exported fields, kept
// narrow here so this package doesn't need to import internal/domain just
// to serialize a JSON response.
type WorkerRecordView struct {
	ID         int       `json:"id"`
	Pid        int       `json:"pid"`
	Online     bool      `json:"online"`
	Routers    int       `json:"routers"`
	Transports int       `json:"transports"`
	CPUPercent float64   `json:"cpuPercent"`
	Score      float64   `json:"score"`
	LastSample time.Time `json:"lastSample"`
}

// Deps bundles every collaborator the router needs to build its handlers.
// StartTime is stamped by the caller (cmd/confluence, at process start)
// rather than taken here, so /health's uptime reflects the process's
// actual start rather than whenever the router happened to be built.
type Deps struct {
	Config      *config.Config
	Logger      *zap.SugaredLogger
	Metrics     *Metrics
	RedisClient *redis.Client
	Rooms       RoomInspector
	Workers     WorkerInspector
	StartTime   time.Time
}

// NewRouter assembles the gin engine for the operator-facing HTTP surface:
// health/readiness, Prometheus scraping, and read-only room/worker
// introspection. Mirrors the middleware-stack-then-route-groups router
// assembly style used elsewhere in this codebase, generalized onto this
// system's room/worker domain.
func NewRouter(d Deps) *gin.Engine {
	if d.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		RecoveryMiddleware(d.Logger),
		TracingMiddleware(),
		RequestIDMiddleware(),
		RateLimitMiddleware(
			d.Config.RateLimiting.Enabled,
			d.Config.RateLimiting.HTTP.RequestsPerSecond,
			d.Config.RateLimiting.HTTP.Burst,
			d.Config.RateLimiting.HTTP.MaxConcurrent,
		),
		ErrorHandlerMiddleware(d.Logger),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(d.StartTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if d.RedisClient != nil {
			if err := d.RedisClient.Ping(ctx).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":       "not_ready",
					"timestamp":    time.Now(),
					"dependencies": "unhealthy",
					"error":        err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	if d.Config.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:roomId", func(c *gin.Context) {
			roomID := c.Param("roomId")
			if err := validation.ValidateStreamID(roomID); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			r, ok := d.Rooms.RoomByID(roomID)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			peers := r.Peers()
			peerViews := optimize.PreAllocateSlice[gin.H](0, len(peers))
			for _, p := range peers {
				peerViews = append(peerViews, gin.H{
					"userId":   p.UserId,
					"socketId": p.SocketId,
				})
			}
			c.JSON(http.StatusOK, gin.H{
				"roomId":           r.ID(),
				"active":           r.Active(),
				"workerPid":        r.WorkerPid(),
				"peerCount":        len(peers),
				"peers":            peerViews,
				"activeSpeakerIds": r.ActiveSpeakerList(),
			})
		})

		api.GET("/workers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"workers": d.Workers.Snapshot()})
		})
	}

	return router
}

// poolAdapter narrows *internal/workerpool.Pool's Snapshot into the view
// type this package serializes, so httpapi never imports internal/domain.
type poolAdapter struct {
	pool *workerpool.Pool
}

// NewWorkerInspector wraps a *workerpool.Pool as a WorkerInspector.
func NewWorkerInspector(pool *workerpool.Pool) WorkerInspector {
	return poolAdapter{pool: pool}
}

func (a poolAdapter) Snapshot() []WorkerRecordView {
	records := a.pool.Snapshot()
	out := optimize.PreAllocateSlice[WorkerRecordView](0, len(records))
	for _, r := range records {
		out = append(out, WorkerRecordView{
			ID:         r.ID,
			Pid:        r.Pid,
			Online:     r.Online,
			Routers:    r.Routers,
			Transports: r.Transports,
			CPUPercent: r.CPUPercent,
			Score:      r.Score,
			LastSample: r.LastSample,
		})
	}
	return out
}
