// Package admin serves the HTTP API used to add, list and delete pairs.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vklachkov/glashatay/internal/pair"
)

// PairService is the lifecycle surface the API drives.
type PairService interface {
	Create(ctx context.Context, cfg pair.Config) (pair.ID, error)
	Delete(ctx context.Context, id pair.ID) (bool, error)
	List(ctx context.Context) (map[pair.ID]pair.Config, error)
}

// Options configures the API.
type Options struct {
	// JWTSecret enables bearer token auth on /api when set.
	JWTSecret string

	// DefaultInterval is used when a create request omits poll_interval.
	DefaultInterval time.Duration

	Logger *zap.Logger
}

// PairView is the JSON form of a pair.
type PairView struct {
	ID              int64      `json:"id"`
	Source          string     `json:"source"`
	DestinationID   int64      `json:"destination_id"`
	PollInterval    string     `json:"poll_interval"`
	LastPollAt      *time.Time `json:"last_poll_at,omitempty"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
}

// CreatePairRequest is the body of POST /api/pairs.
type CreatePairRequest struct {
	Source        string `json:"source" binding:"required"`
	DestinationID int64  `json:"destination_id" binding:"required"`
	PollInterval  string `json:"poll_interval"`
}

type createPairResponse struct {
	ID int64 `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	svc             PairService
	defaultInterval time.Duration
	logger          *zap.Logger
}

// NewHandler builds the gin engine with all routes.
func NewHandler(svc PairService, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("admin")

	r := gin.New()
	r.Use(requestLogger(logger), gin.Recovery())

	h := &handler{svc: svc, defaultInterval: opts.DefaultInterval, logger: logger}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	if opts.JWTSecret != "" {
		api.Use(JWTAuth([]byte(opts.JWTSecret)))
	}
	api.GET("/pairs", h.listPairs)
	api.POST("/pairs", h.createPair)
	api.DELETE("/pairs/:id", h.deletePair)

	return r
}

func (h *handler) listPairs(c *gin.Context) {
	pairs, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list pairs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "list pairs failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairViews(pairs)})
}

func (h *handler) createPair(c *gin.Context) {
	var req CreatePairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid input"})
		return
	}

	interval := h.defaultInterval
	if s := strings.TrimSpace(req.PollInterval); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid poll_interval"})
			return
		}
		interval = d
	}

	id, err := h.svc.Create(c.Request.Context(), pair.Config{
		SourceHandle:  strings.TrimSpace(req.Source),
		DestinationID: req.DestinationID,
		PollInterval:  interval,
	})
	switch {
	case errors.Is(err, pair.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.logger.Error("create pair", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "create pair failed"})
		return
	}
	c.JSON(http.StatusCreated, createPairResponse{ID: int64(id)})
}

func (h *handler) deletePair(c *gin.Context) {
	id, err := pair.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid pair id"})
		return
	}

	deleted, err := h.svc.Delete(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("delete pair", zap.Int64("pair_id", int64(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "delete pair failed"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, errorResponse{Error: "pair not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func pairViews(pairs map[pair.ID]pair.Config) []PairView {
	views := make([]PairView, 0, len(pairs))
	for id, cfg := range pairs {
		views = append(views, PairView{
			ID:              int64(id),
			Source:          cfg.SourceHandle,
			DestinationID:   cfg.DestinationID,
			PollInterval:    cfg.PollInterval.String(),
			LastPollAt:      cfg.LastPollAt,
			LastDeliveredAt: cfg.LastDeliveredAt,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
