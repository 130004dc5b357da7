// Package callbackapi is the HTTP boundary in front of the reconciliation
// engine: it validates the gateway's push notification and hands the raw
// status to the campaign driver. Raw provider vocabulary stops here.
package callbackapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"

	"github.com/BatmanBruc/bat-bot-funnel/internal/campaign"
	"github.com/BatmanBruc/bat-bot-funnel/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CallbackDriver is the slice of the campaign driver the API needs.
type CallbackDriver interface {
	OnPaymentCallback(ctx context.Context, payload campaign.CallbackPayload) error
}

type Server struct {
	driver CallbackDriver
	audit  types.AuditStore
	secret string
}

func NewServer(driver CallbackDriver, audit types.AuditStore, secret string) *Server {
	return &Server{driver: driver, audit: audit, secret: secret}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/funnel/counts", s.handleFunnelCounts)
	r.Post("/gateway/callback", s.handleCallback)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callbackBody struct {
	TransactionID string            `json:"transaction_id"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Callback-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	var body callbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if body.TransactionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing transaction_id"})
		return
	}

	err := s.driver.OnPaymentCallback(r.Context(), campaign.CallbackPayload{
		TransactionID: body.TransactionID,
		RawStatus:     body.Status,
	})
	if err != nil {
		log.Printf("Callback: tx=%s failed: %v", body.TransactionID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleFunnelCounts exposes the audit counts read-only for dashboards.
func (s *Server) handleFunnelCounts(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, map[string]int64{})
		return
	}
	counts, err := s.audit.FunnelCounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
