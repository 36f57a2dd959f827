package server

import (
	"encoding/json"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"

	"issueflow/internal/engine"
)

// webhookLimiters throttles admission per source IP: one request per second
// with a burst of ten. The map is reset hourly so it cannot grow unbounded.
type webhookLimiters struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func (l *webhookLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limiters == nil || time.Since(l.lastCleanup) > time.Hour {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1), 10)
		l.limiters[ip] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

type webhookAccepted struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

// registerWebhook mounts the admission endpoint straight on chi: it needs the
// exact raw body for signature verification and full control over status
// codes, so it bypasses huma.
func registerWebhook(router chi.Router, basePath string, e *engine.Engine) {
	limiters := &webhookLimiters{}
	webhookPath := path.Join(basePath, "webhooks/github")

	router.Post(webhookPath, func(w http.ResponseWriter, r *http.Request) {
		if !limiters.get(clientIP(r)).Allow() {
			respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}

		// Oversized bodies were already rejected by the capture middleware.
		body, _ := r.Context().Value(bodyBytesKey{}).([]byte)

		signature := r.Header.Get("X-Hub-Signature-256")
		if err := github.ValidateSignature(signature, body, []byte(e.Config.GitHub.WebhookSecret)); err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_signature"})
			return
		}

		deliveryID := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
		if deliveryID == "" {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "delivery_id_required"})
			return
		}
		eventType := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))

		var payload struct {
			Action string `json:"action"`
		}
		_ = json.Unmarshal(body, &payload)

		res, err := e.Admit(r.Context(), engine.AdmitInput{
			DeliveryID: deliveryID,
			EventType:  eventType,
			Action:     payload.Action,
			Payload:    body,
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "admission_failed"})
			return
		}

		switch {
		case res.Duplicate:
			respondJSON(w, http.StatusOK, webhookAccepted{Accepted: false, Duplicate: true, EventID: res.EventID})
		case !res.Actionable:
			respondJSON(w, http.StatusAccepted, webhookAccepted{Accepted: false, Reason: "event_not_actionable", EventID: res.EventID})
		default:
			respondJSON(w, http.StatusAccepted, webhookAccepted{Accepted: true, EventID: res.EventID})
		}
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
