package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/presentation"
	"github.com/simreg/regq/internal/queue"
	"github.com/simreg/regq/internal/registrations/domain"
)

// RecordEventResponse is the data of one record change event.
type RecordEventResponse struct {
	Type      string                  `json:"type"`
	Timestamp time.Time               `json:"timestamp"`
	Record    *presentation.RecordDTO `json:"record,omitempty"`
}

// StreamEvents streams record changes via SSE. ?status=PENDING,FAILED limits
// the stream to records in those statuses.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "events_unavailable", "event feed not configured")
		return
	}

	var statuses []domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, ok := parseStatus(part)
			if !ok {
				h.writeError(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, s)
		}
	}

	events := h.events.SubscribeStatus(r.Context(), statuses...)
	stream(h, w, r, events, func(e queue.RecordEvent) frame {
		resp := RecordEventResponse{Type: string(e.Type), Timestamp: e.Timestamp}
		if e.Payload != nil {
			dto := presentation.FromDomainRecord(e.Payload)
			resp.Record = &dto
		}
		return frame{id: e.Seq, event: string(e.Type), data: resp}
	})
}

// LogSource subscribes to log entries at or above a level, optionally
// limited to some categories.
type LogSource func(ctx context.Context, minLevel log.Level, cats ...log.Category) <-chan log.LogEvent

// StreamLogs streams log entries via SSE.
// GET /logs?level=warn&category=queue,step
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	minLevel := log.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		minLevel = log.ParseLevel(v)
	}
	var cats []log.Category
	for _, c := range strings.Split(r.URL.Query().Get("category"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, log.Category(strings.ToLower(c)))
		}
	}

	entries := h.logStream(r.Context(), minLevel, cats...)
	if entries == nil {
		h.writeError(w, http.StatusServiceUnavailable, "logs_unavailable", "logging is not enabled")
		return
	}
	stream(h, w, r, entries, func(e log.LogEvent) frame {
		return frame{id: e.Seq, event: "log", data: e.Payload}
	})
}

// frame is one SSE message. id is the publisher's sequence number; a client
// seeing a gap has missed events and should re-read the records it cares about.
type frame struct {
	id    uint64
	event string
	data  any
}

// stream writes each event from ch as an SSE frame until the client goes
// away or ch closes.
func stream[T any](h *Handler, w http.ResponseWriter, r *http.Request, ch <-chan T, encode func(T) frame) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			f := encode(event)
			data, err := json.Marshal(f.data)
			if err != nil {
				log.Error(log.CatAPI, "Failed to marshal event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.id, f.event, data)
			flusher.Flush()
		}
	}
}
