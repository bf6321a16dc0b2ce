package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams controller events to an admin client as
// server-sent events. The subscription lives as long as the request; a
// slow consumer only loses events past its own buffer, never stalls the
// publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.admin(w, r) == nil {
		return
	}

	fl, ok := w.(http.Flusher)
	if !ok {
		badRequest(w, "streaming unsupported")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
