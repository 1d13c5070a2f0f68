package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"booklog/internal/auth"
	"booklog/internal/core"
	applog "booklog/internal/log"
)

const (
	eventSnapshot  = "snapshot"
	eventHeartbeat = "heartbeat"

	defaultHeartbeat = 30 * time.Second
	writeDeadline    = 60 * time.Second
)

type snapshotEvent struct {
	Entries []core.DiaryEntry `json:"entries"`
}

type heartbeatEvent struct {
	Time time.Time `json:"time"`
}

// handleStream pushes the user's full diary as a "snapshot" event whenever it
// changes. The current diary is sent first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentStream).With(applog.FieldUserID, userID)

	sub, err := s.diary.Subscribe(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		logger.ErrorContext(ctx, "Streaming not supported", applog.FieldError, err)
		return
	}
	logger.InfoContext(ctx, "Diary stream opened")

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				logger.InfoContext(ctx, "Diary stream closed by server")
				return
			}
			if err := sendEvent(w, rc, eventSnapshot, snapshotEvent{Entries: snap}); err != nil {
				logger.InfoContext(ctx, "Client disconnected during send")
				return
			}
		case t := <-heartbeat.C:
			if err := sendEvent(w, rc, eventHeartbeat, heartbeatEvent{Time: t.UTC()}); err != nil {
				logger.InfoContext(ctx, "Client disconnected during heartbeat")
				return
			}
		case <-ctx.Done():
			logger.InfoContext(ctx, "Diary stream closed by client")
			return
		}
	}
}

func sendEvent(w http.ResponseWriter, rc *http.ResponseController, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	// not every writer supports deadlines
	_ = rc.SetWriteDeadline(time.Now().Add(writeDeadline))
	return nil
}
