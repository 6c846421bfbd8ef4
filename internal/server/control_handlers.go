package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aristath/quotehub/internal/events"
)

// controlHandler returns the handler for one session control action. The
// action runs asynchronously: the request gets 202 with a correlation id,
// completion arrives as a ControlActionCompleted event carrying that id.
func (s *Server) controlHandler(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// Reject unknown accounts synchronously; everything else is async.
		if _, err := s.store.Get(id); err != nil {
			s.writeError(w, err)
			return
		}

		correlationID := uuid.New().String()
		s.bus.PublishCorrelated("server", correlationID, &events.ControlActionRequestedData{
			AccountID: id,
			Action:    action,
		})

		go s.runControlAction(correlationID, id, action)

		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"account_id":     id,
			"action":         action,
			"correlation_id": correlationID,
			"status":         "accepted",
		})
	}
}

func (s *Server) runControlAction(correlationID, accountID, action string) {
	var err error
	switch action {
	case "start":
		err = s.sup.StartSession(accountID)
	case "stop":
		err = s.sup.StopSession(accountID)
	case "restart":
		err = s.sup.RestartSession(accountID)
	}

	data := &events.ControlActionCompletedData{
		AccountID: accountID,
		Action:    action,
		Status:    "ok",
	}
	if err != nil {
		data.Status = "failed"
		data.Error = err.Error()
		s.log.Error().Err(err).
			Str("account_id", accountID).
			Str("action", action).
			Msg("Control action failed")
	}
	s.bus.PublishCorrelated("server", correlationID, data)
}

func (s *Server) handleResetRecovery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	correlationID := uuid.New().String()
	s.bus.PublishCorrelated("server", correlationID, &events.ControlActionRequestedData{
		AccountID: id,
		Action:    "reset_recovery",
	})
	s.recovery.Reset(id)
	s.bus.PublishCorrelated("server", correlationID, &events.ControlActionCompletedData{
		AccountID: id,
		Action:    "reset_recovery",
		Status:    "ok",
	})

	s.writeJSON(w, http.StatusOK, map[string]string{
		"account_id":     id,
		"action":         "reset_recovery",
		"correlation_id": correlationID,
		"status":         "ok",
	})
}
