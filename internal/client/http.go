package client

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/security"
)

// maxFallbackBody bounds HTTP fallback request bodies.
const maxFallbackBody = 1 << 20

// HTTPHandler serves the relay's HTTP fallback deliveries with the client's
// handler and signing secret.
func (c *Client) HTTPHandler() http.Handler {
	return NewHTTPHandler(c.cfg.SigningSecret, c.handler, c.logger)
}

// NewHTTPHandler returns an endpoint for HTTP fallback deliveries. Requests
// must carry a valid relay signature. An acknowledged event answers 200; a
// deferred one answers 503 so the relay queues it for redelivery.
func NewHTTPHandler(secret []byte, h Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFallbackBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		signature := r.Header.Get(protocol.HeaderRelaySignature)
		tsHeader := strings.TrimSpace(r.Header.Get(protocol.HeaderRelayTimestamp))
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil || signature == "" || !security.Verify(body, tsHeader, signature, secret) {
			logger.Warn("fallback webhook signature invalid", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		ev := Event{
			ID:        r.Header.Get(protocol.HeaderRelayEventID),
			Timestamp: ts,
			Signature: signature,
			Payload:   json.RawMessage(body),
		}
		res, err := dispatch(r.Context(), h, ev)
		if err != nil {
			logger.Error("fallback handler failed", "event_id", ev.ID, "error", err)
		}
		if !res.Acked() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "deferred", "reason": res.Reason()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "id": ev.ID})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
