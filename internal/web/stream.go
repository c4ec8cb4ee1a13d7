package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/stream"
)

// keepAliveInterval is how often an SSE comment is sent on an idle stream
// so proxies don't drop the connection.
const keepAliveInterval = 15 * time.Second

// handleJobStream serves a Server-Sent Events stream of the job's progress
// events. The stream ends when the job reaches a terminal state or the
// client disconnects. There is no replay: subscribers see events from the
// moment they attach; earlier state comes from GET /jobs/{id}.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	j, err := s.svc.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	// A job already in a terminal state has nothing left to stream.
	if j.Status.Terminal() {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", j.Status)
		flusher.Flush()
		return
	}

	sub := s.svc.Subscribe(id)
	defer s.svc.Unsubscribe(id, sub)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				// Dropped as a slow subscriber.
				fmt.Fprint(w, "event: done\ndata: dropped\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode stream event", zap.String("job_id", id), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

			if terminalEvent(ev) {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", ev.Type)
				flusher.Flush()
				return
			}
		}
	}
}

func terminalEvent(ev stream.Event) bool {
	switch ev.Type {
	case stream.EventCompleted, stream.EventFailed, stream.EventStopped:
		return true
	}
	return false
}
