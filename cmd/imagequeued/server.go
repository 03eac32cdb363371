package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anatolykoptev/go-imagequeue"
)

// ingester is the slice of *imagequeue.Queue the HTTP layer needs.
type ingester interface {
	Enqueue(ctx context.Context, submitterID int64, origin imagequeue.Origin, image []byte) bool
	Stats() imagequeue.Stats
	DeniedUntil(submitterID int64) (time.Time, bool)
}

type httpServer struct {
	server *http.Server
	log    *slog.Logger
}

type serverOptions struct {
	Addr          string
	Release       bool
	MaxImageBytes int64
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

func newHTTPServer(opts serverOptions, q ingester, log *slog.Logger) *httpServer {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	return &httpServer{
		server: &http.Server{
			Addr:         opts.Addr,
			Handler:      newRouter(q, opts.MaxImageBytes, log),
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		log: log,
	}
}

func (s *httpServer) Start() error {
	s.log.Info("imagequeued: http server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *httpServer) Shutdown(ctx context.Context) error {
	s.log.Info("imagequeued: http server shutting down")
	return s.server.Shutdown(ctx)
}

func newRouter(q ingester, maxImageBytes int64, log *slog.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(requestLogger(log), gin.Recovery())

	h := &imageHandler{queue: q, maxBytes: maxImageBytes}
	engine.GET("/healthz", h.health)

	v1 := engine.Group("/v1")
	v1.POST("/images", h.submit)
	v1.GET("/stats", h.stats)
	v1.GET("/submitters/:id", h.submitter)

	return engine
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("imagequeued: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

const (
	// formOverhead covers multipart boundaries and the id fields.
	formOverhead    = 64 << 10
	multipartMemory = 32 << 20
)

type imageHandler struct {
	queue    ingester
	maxBytes int64
}

func (h *imageHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *imageHandler) stats(c *gin.Context) {
	s := h.queue.Stats()
	c.JSON(http.StatusOK, gin.H{
		"state":        s.State.String(),
		"pending":      s.Pending,
		"cached":       s.Cached,
		"submitters":   s.Submitters,
		"admitted":     s.Admitted,
		"duplicates":   s.Duplicates,
		"rate_limited": s.RateLimited,
		"hash_errors":  s.HashErrors,
		"processed":    s.Processed,
		"deleted":      s.Deleted,
	})
}

// submitter reports whether a submitter is currently rate limited.
func (h *imageHandler) submitter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	resp := gin.H{"submitter_id": id, "denied": false}
	if until, denied := h.queue.DeniedUntil(id); denied {
		resp["denied"] = true
		resp["denied_until"] = until.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// submit accepts multipart form fields image, submitter_id, chat_id and
// message_id. The reply says whether the image was admitted as new work.
func (h *imageHandler) submit(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+formOverhead)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	submitter, err1 := formInt(c, "submitter_id")
	chatID, err2 := formInt(c, "chat_id")
	messageID, err3 := formInt(c, "message_id")
	if err := errors.Join(err1, err2, err3); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}
	defer file.Close()

	if h.maxBytes > 0 && header.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read image failed"})
		return
	}

	origin := imagequeue.Origin{ChatID: chatID, MessageID: messageID}
	accepted := h.queue.Enqueue(c.Request.Context(), submitter, origin, data)
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func formInt(c *gin.Context, key string) (int64, error) {
	raw := c.PostForm(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}
