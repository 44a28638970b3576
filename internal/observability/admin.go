package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/debuglink/internal/auth"
	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/danmuck/debuglink/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	defaultPromptWait = 30 * time.Second
)

// EventSource lists audited dispatches.
type EventSource interface {
	RecentEvents(ctx context.Context, limit int) ([]storage.Event, error)
}

// Prompter is the device confirmation a bench operator can raise.
type Prompter interface {
	Ask(ctx context.Context, label string) (bool, error)
	Pending() (string, bool)
}

// AdminDeps wires the admin API. Nil fields disable their routes.
type AdminDeps struct {
	DeviceID string
	Registry *debuglink.Registry
	Ready    func(context.Context) error
	Events   EventSource
	Prompt   Prompter
	Sessions func() int
	// Auth, when set, guards the event log and opening prompts.
	Auth auth.Validator
}

type registryEntry struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

type askRequest struct {
	Label     string `json:"label" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
}

// NewAdminRouter builds the bench-facing HTTP API.
func NewAdminRouter(deps AdminDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log.Logger), RequestMetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"device_id": deps.DeviceID,
			"uptime":    time.Since(started).Round(time.Second).String(),
		}
		if deps.Sessions != nil {
			body["sessions"] = deps.Sessions()
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Registry != nil {
		r.GET("/registry", func(c *gin.Context) {
			types := deps.Registry.Types()
			out := make([]registryEntry, 0, len(types))
			for _, t := range types {
				out = append(out, registryEntry{ID: uint32(t), Name: t.String()})
			}
			c.JSON(http.StatusOK, gin.H{"sealed": deps.Registry.Sealed(), "types": out})
		})
	}

	if deps.Events != nil {
		r.GET("/events", RequireToken(deps.Auth), func(c *gin.Context) {
			limit := defaultEventLimit
			if raw := c.Query("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
					return
				}
				limit = min(n, maxEventLimit)
			}
			events, err := deps.Events.RecentEvents(c.Request.Context(), limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"events": eventsJSON(events)})
		})
	}

	if deps.Prompt != nil {
		r.GET("/prompt", func(c *gin.Context) {
			label, pending := deps.Prompt.Pending()
			c.JSON(http.StatusOK, gin.H{"pending": pending, "label": label})
		})
		// POST /prompt opens a confirmation and waits for a Decision to answer it.
		r.POST("/prompt", RequireToken(deps.Auth), func(c *gin.Context) {
			var req askRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			wait := defaultPromptWait
			if req.TimeoutMS > 0 {
				wait = time.Duration(req.TimeoutMS) * time.Millisecond
			}
			ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
			defer cancel()
			yes, err := deps.Prompt.Ask(ctx, req.Label)
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				c.JSON(http.StatusRequestTimeout, gin.H{"error": "no decision before timeout"})
			case err != nil:
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusOK, gin.H{"label": req.Label, "confirmed": yes})
			}
		})
	}
	return r
}

func eventsJSON(events []storage.Event) []gin.H {
	out := make([]gin.H, 0, len(events))
	for _, ev := range events {
		item := gin.H{
			"id":           ev.ID,
			"session":      ev.SessionID,
			"message_type": ev.MessageType,
			"outcome":      ev.Outcome,
			"elapsed_us":   ev.Elapsed.Microseconds(),
			"created_at":   ev.CreatedAt,
		}
		if ev.Error != "" {
			item["error"] = ev.Error
		}
		out = append(out, item)
	}
	return out
}

// ServeAdmin serves handler on ln until ctx ends.
func ServeAdmin(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("observability.ServeAdmin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
