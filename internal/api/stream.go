package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const deliveryBuffer = 16

// StreamDeliveries handles GET /v1/deliveries as server-sent events. Each
// delivery request is one "delivery" event; a comment line keeps idle
// connections open.
func (h *Handler) StreamDeliveries(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported", "")
		return
	}

	reqs, cancel := h.session.Deliveries(deliveryBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("delivery stream opened", zap.String("remote_addr", r.RemoteAddr))
	defer h.logger.Debug("delivery stream closed", zap.String("remote_addr", r.RemoteAddr))

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case req, ok := <-reqs:
			if !ok {
				return
			}
			data, err := json.Marshal(req)
			if err != nil {
				h.logger.Error("failed to encode delivery", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: delivery\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
