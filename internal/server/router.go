package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/tidelinehq/tideline/internal/authority"
	"github.com/tidelinehq/tideline/internal/transport"
	"go.uber.org/zap"
)

var errMissingMaterializer = errors.New("materializer dependency required")

const heartbeatInterval = 25 * time.Second

// Dependencies wires the HTTP surface to the authority.
type Dependencies struct {
	Materializer   *authority.Materializer
	Dispatcher     *IngestDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the authority's HTTP API. The handler carries no
// session state; every route is safe to retry.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Materializer == nil {
		return nil, errMissingMaterializer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		materializer: deps.Materializer,
		dispatcher:   deps.Dispatcher,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/sync/changes", handler.handleChanges)
	router.GET("/sync/bootstrap", handler.handleBootstrap)
	router.POST("/sync/upload", handler.handleUpload)
	if handler.dispatcher != nil {
		router.GET("/sync/events", handler.handleEvents)
	}

	return router, nil
}

type httpHandler struct {
	materializer *authority.Materializer
	dispatcher   *IngestDispatcher
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	since := uint64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}

	delta, err := h.materializer.FetchSince(c.Request.Context(), since)
	var compacted *transport.CompactedError
	if errors.As(err, &compacted) {
		c.JSON(http.StatusGone, gin.H{
			"error":               "history_compacted",
			"minRetainedIngestId": compacted.MinRetainedIngestID,
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch changes", zap.Error(err), zap.Uint64("since", since))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	c.JSON(http.StatusOK, delta)
}

func (h *httpHandler) handleBootstrap(c *gin.Context) {
	snapshot, err := h.materializer.BootstrapSnapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build bootstrap snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}

	if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
		c.JSON(http.StatusOK, snapshot)
		return
	}

	c.Header("Content-Encoding", "gzip")
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	writer := gzip.NewWriter(c.Writer)
	if err := json.NewEncoder(writer).Encode(snapshot); err != nil {
		h.logger.Error("failed to stream snapshot", zap.Error(err))
		return
	}
	if err := writer.Close(); err != nil {
		h.logger.Error("failed to flush snapshot", zap.Error(err))
	}
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	var upload transport.Upload
	if err := c.ShouldBindJSON(&upload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(upload.Actions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_upload"})
		return
	}

	err := h.materializer.Ingest(c.Request.Context(), upload)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	var behind *transport.BehindHeadError
	if errors.As(err, &behind) {
		c.JSON(http.StatusConflict, gin.H{
			"error":               "behind_head",
			"firstUnseenIngestId": behind.FirstUnseenIngestID,
		})
		return
	}
	var denied *transport.DeniedError
	if errors.As(err, &denied) {
		c.JSON(http.StatusForbidden, gin.H{"error": "denied", "reason": denied.Reason})
		return
	}
	var invalid *transport.InvalidError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_upload", "reason": invalid.Reason})
		return
	}

	h.logger.Error("failed to ingest upload", zap.Error(err),
		zap.Int("actions", len(upload.Actions)))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
}

// handleEvents streams ingest notices over server-sent events. Clients treat
// a notice as a hint to sync; the stream carries no sync payloads itself.
func (h *httpHandler) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	notices, cancel := h.dispatcher.Subscribe(c.Request.Context())
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case notice, open := <-notices:
			if !open {
				return
			}
			payload, err := json.Marshal(notice)
			if err != nil {
				h.logger.Error("failed to encode ingest notice", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ingestEventName, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", heartbeatEventName)
			flusher.Flush()
		}
	}
}
