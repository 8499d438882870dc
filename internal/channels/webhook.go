package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/convoflow/convoflow/internal/bus"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Convoflow-Signature"
	maxWebhookBody  = 1 << 20
	seenMessageIDs  = 4096
)

// WebhookPayload is an inbound message pushed by an external channel
// provider.
type WebhookPayload struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// VerifySignature checks a hex HMAC-SHA256 of body in constant time. A
// "sha256=" prefix on sig is accepted.
func VerifySignature(secret string, body []byte, sig string) bool {
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookHandler accepts POST /webhooks/{channel} and publishes the message
// to the bus. Redelivered message IDs are acknowledged but not republished.
type WebhookHandler struct {
	bus          *bus.MessageBus
	secret       string
	defaultAgent string
	seen         *lru.Cache[string, struct{}]
}

func NewWebhookHandler(b *bus.MessageBus, secret, defaultAgent string) *WebhookHandler {
	seen, _ := lru.New[string, struct{}](seenMessageIDs)
	return &WebhookHandler{bus: b, secret: secret, defaultAgent: defaultAgent, seen: seen}
}

// Routes registers the handler on mux.
func (h *WebhookHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{channel}", h.handle)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	if h.secret != "" && !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(p.From) == "" || (strings.TrimSpace(p.Message) == "" && p.MediaURL == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and message are required"})
		return
	}
	channel := r.PathValue("channel")
	if p.MessageID != "" {
		if ok, _ := h.seen.ContainsOrAdd(channel+":"+p.MessageID, struct{}{}); ok {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = h.defaultAgent
	}
	meta := map[string]any{}
	if p.MessageID != "" {
		meta[bus.MetaKeyMessageID] = p.MessageID
	}
	if p.MediaURL != "" {
		meta[bus.MetaKeyMediaURL] = p.MediaURL
		meta[bus.MetaKeyMediaType] = p.MediaType
	}
	msg := &bus.InboundMessage{
		Channel:        channel,
		AgentID:        agentID,
		SenderID:       p.From,
		ChatID:         p.From,
		TraceID:        p.MessageID,
		IdempotencyKey: p.MessageID,
		Content:        p.Message,
		Metadata:       meta,
	}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		msg.Timestamp = ts.UTC()
	}
	if p.MediaURL != "" {
		msg.Media = []string{p.MediaURL}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.bus.PublishInbound(ctx, msg); err != nil {
		h.seen.Remove(channel + ":" + p.MessageID)
		slog.Warn("Inbound queue full, rejecting webhook", "channel", channel, "from", p.From, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WebhookServer serves the inbound webhook endpoint.
type WebhookServer struct {
	srv *http.Server
}

func NewWebhookServer(addr string, h *WebhookHandler) *WebhookServer {
	mux := http.NewServeMux()
	h.Routes(mux)
	return &WebhookServer{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *WebhookServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Webhook server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
