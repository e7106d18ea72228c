package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/progress"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsPongWait   = 2 * eventsPingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// assetEvents upgrades to a websocket and forwards every progress update
// published for the asset until the client disconnects. The first frame is a
// snapshot of the current job summary.
func (h *Handler) assetEvents(c *gin.Context) {
	if h.Progress == nil {
		writeError(c, http.StatusServiceUnavailable, errors.New("progress stream unavailable"))
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, err := h.Progress.Subscribe(ctx, progress.AssetTopic(asset.ID))
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, err)
		return
	}
	defer stream.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger().Warn("websocket upgrade failed", "asset_id", asset.ID, "error", err)
		return
	}
	defer conn.Close()

	// The read side only services control frames; it cancels the stream once
	// the client goes away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snapshot, ok := h.snapshot(ctx, asset); ok {
		if err := writeFrame(conn, websocket.TextMessage, snapshot); err != nil {
			return
		}
	}

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = writeFrame(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-stream.Messages():
			if !ok {
				return
			}
			if err := writeFrame(conn, websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) snapshot(ctx context.Context, asset models.Asset) ([]byte, bool) {
	if h.Summaries == nil {
		return nil, false
	}
	summary, err := h.Summaries.Summarize(ctx, asset.ID)
	if err != nil {
		h.logger().Warn("progress snapshot failed", "asset_id", asset.ID, "error", err)
		return nil, false
	}
	payload, err := json.Marshal(models.ProgressUpdate{
		AssetID:   asset.ID,
		Stage:     stageFor(asset.Status),
		Message:   "Current status: " + string(asset.Status),
		Summary:   &summary,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, false
	}
	return payload, true
}

func stageFor(status models.AssetStatus) models.Stage {
	switch status {
	case models.AssetProcessing:
		return models.StageTranscoding
	case models.AssetReady:
		return models.StageReady
	case models.AssetFailed:
		return models.StageFailed
	default:
		return models.StageUploadComplete
	}
}

func writeFrame(conn *websocket.Conn, messageType int, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	return conn.WriteMessage(messageType, payload)
}
