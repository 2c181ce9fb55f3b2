package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/devbot/internal/cachemanager"
	"github.com/zjrosen/devbot/internal/flags"
	"github.com/zjrosen/devbot/internal/log"
	"github.com/zjrosen/devbot/internal/metrics"
	"github.com/zjrosen/devbot/internal/orchestrator"
)

const (
	// headerEvent names the platform event kind.
	headerEvent = "X-Hub-Event"
	// headerDelivery carries the platform's unique delivery ID.
	headerDelivery = "X-Hub-Delivery"
	// headerSignature carries the HMAC-SHA256 payload signature.
	headerSignature = "X-Hub-Signature-256"

	// maxEventBytes bounds webhook payload reads.
	maxEventBytes = 10 << 20

	// dedupeTTL is how long a delivery ID blocks redelivery.
	dedupeTTL = 10 * time.Minute
)

// deliveryKey identifies one webhook delivery in the dedupe cache.
type deliveryKey string

// deliveryLedger remembers recently seen delivery IDs so platform
// redeliveries do not start duplicate tasks.
type deliveryLedger struct {
	seen *cachemanager.InMemoryCacheManager[deliveryKey, time.Time]
}

func newDeliveryLedger() *deliveryLedger {
	return &deliveryLedger{
		seen: cachemanager.NewInMemoryCacheManager[deliveryKey, time.Time]("webhook-dedupe", dedupeTTL, 2*dedupeTTL),
	}
}

// remember records the delivery and reports whether it was already seen
// inside the TTL window. A duplicate sighting re-arms the window, so a
// redelivery storm keeps the ID blocked until it quiets down.
func (l *deliveryLedger) remember(r *http.Request, id string) bool {
	key := deliveryKey(id)
	if _, dup := l.seen.GetWithRefresh(r.Context(), key, dedupeTTL); dup {
		return true
	}
	l.seen.Set(r.Context(), key, time.Now(), dedupeTTL)
	return false
}

// Webhook ingests one platform event delivery. The handler answers fast:
// a triggering event is acknowledged with 202 once its pipeline goroutine
// is spawned, not when it finishes. Non-triggering events are also 202 so
// the platform does not redeliver them.
// POST /webhook
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	kind := r.Header.Get(headerEvent)
	if kind == "" {
		h.writeError(w, http.StatusBadRequest, "missing_event_header", headerEvent+" header is required", "")
		return
	}

	deliveryID := r.Header.Get(headerDelivery)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(kind, "rejected").Inc()
		h.writeError(w, http.StatusBadRequest, "payload_read_failed", "Failed to read payload", err.Error())
		return
	}

	if h.secret != "" && !verifySignature(h.secret, payload, r.Header.Get(headerSignature)) {
		metrics.WebhookEvents.WithLabelValues(kind, "rejected").Inc()
		log.Warn(log.CatWebhook, "webhook signature verification failed",
			"kind", kind, "delivery_id", deliveryID)
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Signature verification failed", "")
		return
	}

	if h.flags.Enabled(flags.FlagWebhookDedupe) && h.deliveries.remember(r, deliveryID) {
		metrics.WebhookEvents.WithLabelValues(kind, "duplicate").Inc()
		log.Info(log.CatWebhook, "duplicate delivery ignored", "kind", kind, "delivery_id", deliveryID)
		h.writeJSON(w, http.StatusAccepted, orchestrator.Result{Reason: "duplicate delivery"})
		return
	}

	log.Debug(log.CatWebhook, "webhook delivery received",
		"kind", kind, "delivery_id", deliveryID, "bytes", len(payload))

	result, err := h.dispatcher.HandleEvent(kind, payload)
	if err != nil {
		if errors.Is(err, orchestrator.ErrShuttingDown) {
			h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Daemon is shutting down", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Failed to decode event payload", err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, result)
}

// verifySignature checks the hex HMAC-SHA256 signature header against the
// payload. The header format is "sha256=<hex digest>".
func verifySignature(secret string, payload []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(digest), []byte(expected))
}
