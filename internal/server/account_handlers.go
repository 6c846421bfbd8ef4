package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/quotehub/internal/accounts"
	"github.com/aristath/quotehub/internal/domain"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": list})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var account domain.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	created, err := s.store.Create(account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch accounts.Update
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	updated, err := s.store.Update(id, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subscriptionRequest is the body for subscription changes.
type subscriptionRequest struct {
	GatewayType domain.GatewayType `json:"gateway_type"`
	Symbols     []string           `json:"symbols"`
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": s.bindings.Snapshots()})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if err := s.bindings.Subscribe(req.GatewayType, req.Symbols); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": s.bindings.Snapshots()})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	s.bindings.Unsubscribe(req.Symbols)
	w.WriteHeader(http.StatusNoContent)
}
