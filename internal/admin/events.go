package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams run snapshots as server-sent events. A new subscriber
// first receives the latest snapshot, if any.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Checks == nil {
		unavailable(w, "health checks")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	board := s.Checks.Board()
	ch, stop := board.Subscribe()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if cur, ok := board.Current(); ok {
		if err := writeEvent(w, cur); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap healthcheck.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	event := "snapshot"
	if snap.Done {
		event = "done"
	}
	_, err = fmt.Fprintf(w, "id: %s-%d\nevent: %s\ndata: %s\n\n", snap.RunID, snap.Seq, event, data)
	return err
}
