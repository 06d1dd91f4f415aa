package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rfidattend/internal/auth"
	"rfidattend/internal/binding"
	"rfidattend/internal/broadcast"
	"rfidattend/internal/config"
	"rfidattend/internal/dedup"
	"rfidattend/internal/directory"
	"rfidattend/internal/fleet"
	"rfidattend/internal/httpmiddleware"
	"rfidattend/internal/logging"
	"rfidattend/internal/persist"
	"rfidattend/internal/pipeline"
	"rfidattend/internal/queue"
	"rfidattend/internal/scan"
	"rfidattend/internal/schedule"
	"rfidattend/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalf("api failed: %v", err)
	}
}

func run(cfg config.App, log *logrus.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	dir := directory.NewPostgres(db.Client)
	hub := broadcast.NewHub(cfg.SubscriberBuf)

	monitor := fleet.NewMonitor(dir, hub, log, cfg.OfflineThreshold)
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	if err := monitor.Start(rootCtx, cfg.SweepInterval); err != nil {
		return err
	}
	defer monitor.Stop()

	dedupCfg := dedup.Config{
		Window:         cfg.DedupWindow,
		BurstWindow:    cfg.BurstWindow,
		BurstThreshold: int64(cfg.BurstThreshold),
	}
	var suppressor dedup.Suppressor
	if cfg.DedupBackend == "memory" {
		mem := dedup.NewMemory(dedupCfg)
		defer mem.Close()
		suppressor = mem
	} else {
		suppressor = dedup.NewRedis(redisClient.Client, dedupCfg)
	}

	var deadLetter queue.Queue
	if cfg.QueueBackend == "memory" {
		deadLetter = queue.NewInMemory(64)
	} else {
		deadLetter = queue.NewRedisQueue(redisClient.Client, cfg.DeadLetterKey)
	}

	loc := cfg.Location()
	matcher := schedule.NewMatcher(dir, loc)
	persister := persist.New(dir, deadLetter, hub, log)
	engine := pipeline.New(pipeline.Config{
		Normalizer:   scan.NewNormalizer(cfg.ClockSkew, monitor),
		Suppressor:   suppressor,
		Directory:    dir,
		Matcher:      matcher,
		Persister:    persister,
		Hub:          hub,
		Log:          log,
		Location:     loc,
		GraceMinutes: cfg.GraceMinutes,
		ScanDeadline: cfg.ScanDeadline,
	})
	binder := binding.NewManager(dir, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerMin).ByClientIP())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/readers/register", func(c *gin.Context) {
		var req struct {
			ReaderID string `json:"reader_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := dir.RecordReaderHeartbeat(c.Request.Context(), req.ReaderID, time.Now().UTC()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.ReaderID, "reader", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	// Scan traffic is limited per authenticated reader, not per IP: many
	// readers often sit behind one gateway address.
	scanLimiter := httpmiddleware.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerMin)
	readerGroup := r.Group("/v1", auth.ReaderAuth(cfg.JWTSigningKey, cfg.JWTIssuer), scanLimiter.ByReader())

	readerGroup.POST("/scans", func(c *gin.Context) {
		var req scan.ScanEvent
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Subject != "" && req.ReaderID != "" && claims.Subject != req.ReaderID {
			c.JSON(http.StatusForbidden, gin.H{"error": "reader mismatch"})
			return
		}

		result, err := engine.Process(c.Request.Context(), req)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, result)
		case errors.Is(err, scan.ErrInvalidScan):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, scan.ErrPersistenceFailed):
			// The scan sits on the dead-letter path; acknowledge that.
			c.JSON(http.StatusAccepted, gin.H{
				"scan_id":       result.ScanID,
				"outcome":       "persistence_failed",
				"dead_lettered": true,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "scan processing failed"})
		}
	})

	r.POST("/v1/tags/bind", func(c *gin.Context) {
		var req struct {
			PersonID int64  `json:"person_id" binding:"required"`
			TagID    string `json:"tag_id" binding:"required"`
			Replace  bool   `json:"replace"`
			Reason   string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		b, err := binder.Bind(c.Request.Context(), req.PersonID, req.TagID, req.Replace, req.Reason)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{
				"tag_id":    b.TagID,
				"person_id": b.PersonID,
				"status":    b.Status,
				"bound_at":  b.BoundAt,
			})
		case errors.Is(err, scan.ErrAlreadyBound):
			c.JSON(http.StatusConflict, gin.H{"error": "already_bound", "detail": err.Error()})
		case errors.Is(err, scan.ErrConcurrentBind):
			c.JSON(http.StatusConflict, gin.H{"error": "bind_conflict", "detail": "concurrent bind, retry"})
		case errors.Is(err, scan.ErrInvalidScan):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "bind failed"})
		}
	})

	r.POST("/v1/tags/unbind", func(c *gin.Context) {
		var req struct {
			PersonID int64 `json:"person_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := binder.Unbind(c.Request.Context(), req.PersonID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unbind failed"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/v1/readers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"readers": monitor.Snapshot()})
	})

	r.GET("/v1/stream", streamHandler(hub, log))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("starting api on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("forced shutdown: %v", err)
	}
	return nil
}

// streamHandler attaches an SSE client to the hub for the requested
// topics. Dead connections are pruned on disconnect; heartbeat comments
// keep proxies from idling the stream out.
func streamHandler(hub *broadcast.Hub, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		topicsParam := c.Query("topics")
		if topicsParam == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "topics query param required"})
			return
		}
		topics := strings.Split(topicsParam, ",")

		sub := hub.Subscribe(topics...)
		defer hub.Unsubscribe(sub)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Writer.Flush()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				body, err := ev.Encode()
				if err != nil {
					log.Warnf("event encode failed: %v", err)
					continue
				}
				c.SSEvent(ev.Type, string(body))
				c.Writer.Flush()
			case <-heartbeat.C:
				_, _ = c.Writer.WriteString(": ping\n\n")
				c.Writer.Flush()
			case <-clientGone:
				return
			}
		}
	}
}

// CORS middleware for browser dashboards.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
