package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	notesync "github.com/MarcoPoloResearchLab/bluenote/internal/sync"
	"github.com/MarcoPoloResearchLab/bluenote/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 15 * time.Second

var (
	errMissingThreadService = errors.New("thread service dependency required")
	errMissingNoteService   = errors.New("note service dependency required")
	errMissingDeviceService = errors.New("device service dependency required")
	errMissingSyncRunner    = errors.New("sync runner dependency required")
	errMissingCompanion     = errors.New("companion server dependency required")
)

// SyncRunner runs one reconciliation round on demand.
type SyncRunner interface {
	SyncAll(ctx context.Context) (notesync.RoundReport, error)
}

// CompanionServer answers a paired device over an upgraded connection.
type CompanionServer interface {
	Serve(ctx context.Context, conn transport.Conn) error
}

type Dependencies struct {
	Threads   *notes.ThreadService
	Notes     *notes.NoteService
	Devices   *devices.Service
	Sync      SyncRunner
	Companion CompanionServer
	Realtime  *RealtimeDispatcher
	// HeartbeatInterval spaces keep-alive events on /sync/events.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Threads == nil:
		return nil, errMissingThreadService
	case deps.Notes == nil:
		return nil, errMissingNoteService
	case deps.Devices == nil:
		return nil, errMissingDeviceService
	case deps.Sync == nil:
		return nil, errMissingSyncRunner
	case deps.Companion == nil:
		return nil, errMissingCompanion
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		threads:   deps.Threads,
		notes:     deps.Notes,
		devices:   deps.Devices,
		sync:      deps.Sync,
		companion: deps.Companion,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET(transport.CompanionPath, handler.handleCompanion)

	router.POST("/sync", handler.handleSync)
	router.GET("/sync/events", handler.handleSyncEvents)

	router.GET("/devices", handler.handleListDevices)
	router.GET("/devices/self", handler.handleSelf)
	router.PUT("/devices/:id", handler.handlePairDevice)
	router.DELETE("/devices/:id", handler.handleUnpairDevice)

	router.GET("/threads", handler.handleListThreads)
	router.POST("/threads", handler.handleCreateThread)
	router.GET("/threads/:id", handler.handleGetThread)
	router.PATCH("/threads/:id", handler.handleUpdateThread)
	router.POST("/threads/:id/trash", handler.handleRemoveThread)
	router.DELETE("/threads/:id", handler.handleDeleteThread)
	router.GET("/threads/:id/notes", handler.handleListThreadNotes)
	router.POST("/threads/:id/notes", handler.handleCreateThreadNote)

	router.GET("/notes/search", handler.handleSearchNotes)
	router.GET("/notes/:id", handler.handleGetNote)
	router.PATCH("/notes/:id", handler.handleEditNote)
	router.DELETE("/notes/:id", handler.handleDeleteNote)
	router.GET("/notes/:id/tree", handler.handleListTreeNotes)
	router.POST("/notes/:id/tree", handler.handleCreateTreeNote)
	router.POST("/notes/:id/trash", handler.handleRemoveNote)
	router.POST("/notes/:id/restore", handler.handleRestoreNote)
	router.GET("/trash", handler.handleListTrash)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	threads   *notes.ThreadService
	notes     *notes.NoteService
	devices   *devices.Service
	sync      SyncRunner
	companion CompanionServer
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, notes.ErrThreadNotFound),
		errors.Is(err, notes.ErrNoteNotFound),
		errors.Is(err, devices.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, notes.ErrInvalidDisplayMode),
		errors.Is(err, notes.ErrInvalidPage),
		errors.Is(err, notes.ErrNestedTree),
		errors.Is(err, devices.ErrInvalidDevice),
		errors.Is(err, devices.ErrSelfPairing):
		return http.StatusBadRequest
	case errors.Is(err, notes.ErrThreadRemoved),
		errors.Is(err, notes.ErrNoteRemoved),
		errors.Is(err, notes.ErrMustTrashFirst),
		errors.Is(err, notes.ErrAlreadyDeleted),
		errors.Is(err, notes.ErrNotInTrash):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorCode returns the service code of err, or fallback.
func errorCode(err error, fallback string) string {
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, devices.ErrInvalidDevice):
		return "invalid_device"
	case errors.Is(err, devices.ErrSelfPairing):
		return "self_pairing"
	}
	return fallback
}

func (h *httpHandler) respondError(c *gin.Context, err error, fallback string) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorCode(err, fallback)})
}

func respondInvalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
