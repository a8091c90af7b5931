package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// fromSeq picks the replay start: an explicit from_seq query parameter, or
// the Last-Event-ID header a reconnecting EventSource sends, plus one so
// the last delivered event is not repeated.
func fromSeq(r *http.Request) uint64 {
	if v := r.URL.Query().Get("from_seq"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n + 1
		}
	}
	return 0
}

// handleStreamSSE streams execution events as server-sent events. The seq
// rides in the SSE id field so reconnects resume without gaps.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if !s.authorizeSubscriber(w, r, executionID) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.svc.SubscribeExecutionEvents(r.Context(), executionID, fromSeq(r))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.Duration(s.events.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, ev.Marshal())
			flusher.Flush()
			ticker.Reset(heartbeat)
			if ev.Kind.ExecutionTerminal() {
				s.logger.Debug("SSE stream finished",
					zap.String("execution_id", executionID),
					zap.Uint64("last_seq", ev.Seq),
				)
				return
			}
		}
	}
}
