package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/devices"
	"github.com/MarcoPoloResearchLab/bluenote/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Paired devices are not browsers, so the origin check is left to the
// pairing token presented in the handshake.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type devicePayload struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	SyncEnabled bool       `json:"sync_enabled"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

type pairDeviceRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func newDevicePayload(device devices.Device) devicePayload {
	payload := devicePayload{
		ID:          device.ID,
		Name:        device.Name,
		Address:     device.Address,
		SyncEnabled: device.SyncEnabled,
	}
	if device.HasSynced() {
		syncedAt := device.SyncedAt()
		payload.SyncedAt = &syncedAt
	}
	return payload
}

func (h *httpHandler) handleCompanion(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("companion upgrade failed", zap.Error(err))
		return
	}
	err = h.companion.Serve(c.Request.Context(), transport.NewWebSocketConn(conn))
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrRejected):
		h.logger.Info("companion session refused", zap.String("remote", c.ClientIP()), zap.Error(err))
	default:
		h.logger.Warn("companion session ended with error", zap.String("remote", c.ClientIP()), zap.Error(err))
	}
}

func (h *httpHandler) handleSync(c *gin.Context) {
	report, err := h.sync.SyncAll(c.Request.Context())
	if err != nil {
		h.logger.Error("sync round failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"report":    message.Report,
				"timestamp": message.Timestamp,
				"source":    realtimeSource,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"timestamp": tick.UTC(),
				"source":    realtimeSource,
			})
			return true
		}
	})
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	list, err := h.devices.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "list_devices_failed")
		return
	}
	payload := make([]devicePayload, 0, len(list))
	for _, device := range list {
		payload = append(payload, newDevicePayload(device))
	}
	c.JSON(http.StatusOK, gin.H{"devices": payload})
}

func (h *httpHandler) handleSelf(c *gin.Context) {
	self, err := h.devices.Self(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "self_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": self.DeviceID, "name": self.Name})
}

func (h *httpHandler) handlePairDevice(c *gin.Context) {
	var request pairDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidRequest(c)
		return
	}
	device, err := h.devices.EnableSync(c.Request.Context(), c.Param("id"), request.Name, request.Address)
	if err != nil {
		h.respondError(c, err, "pair_device_failed")
		return
	}
	c.JSON(http.StatusOK, newDevicePayload(device))
}

func (h *httpHandler) handleUnpairDevice(c *gin.Context) {
	if err := h.devices.DisableSync(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "unpair_device_failed")
		return
	}
	c.Status(http.StatusNoContent)
}
