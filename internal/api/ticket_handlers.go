package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
	"github.com/openambit/ambit-sync/internal/upload"
)

func parseTicketStatus(s string) (models.TicketStatus, bool) {
	switch st := models.TicketStatus(s); st {
	case models.TicketPending, models.TicketInFlight, models.TicketAcknowledged, models.TicketAbandoned:
		return st, true
	}
	return "", false
}

// HandleListTickets lists upload tickets
func (s *RESTServer) HandleListTickets(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	filters := storage.TicketFilters{}

	if serial := r.URL.Query().Get("serial"); serial != "" {
		filters.Serial = &serial
	}

	if status := r.URL.Query().Get("status"); status != "" {
		st, ok := parseTicketStatus(status)
		if !ok {
			s.respondError(w, http.StatusBadRequest, "invalid ticket status")
			return
		}
		filters.Status = &st
	}

	tickets, total, err := s.store.ListTickets(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tickets": tickets,
		"total":   total,
	})
}

// HandleGetTicket gets an upload ticket
func (s *RESTServer) HandleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := s.store.GetTicket(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "ticket not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, ticket)
}

// HandleRetryTicket makes an abandoned ticket pending again. The sync agent
// picks it up on its next poll.
func (s *RESTServer) HandleRetryTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid ticket id")
		return
	}

	ticket, err := upload.RetryTicket(ctx, s.store, id, time.Now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "ticket not found")
		return
	case errors.Is(err, upload.ErrNotAbandoned), errors.Is(err, storage.ErrConflict):
		s.respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	username := ""
	if claims := claimsFrom(ctx); claims != nil {
		username = claims.Username
	}

	event := &models.EventLog{
		Serial:      ticket.Serial,
		TicketID:    &ticket.ID,
		Type:        models.EventTypeUploadRetry,
		Level:       models.EventLevelInfo,
		Code:        "manual_retry",
		Description: fmt.Sprintf("Upload of log %d re-queued by %s", ticket.LogID, username),
		Details: models.Variables{
			"logId": ticket.LogID,
			"user":  username,
		},
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}

	s.hub.Broadcast(models.MessageUpload, ticket.Serial, models.UploadMessage{
		TicketID: ticket.ID.String(),
		Serial:   ticket.Serial,
		LogID:    ticket.LogID,
		Status:   ticket.Status,
		Attempts: ticket.Attempts,
		Time:     time.Now().UTC(),
	})

	log.Info().
		Str("ticket", ticket.ID.String()).
		Str("serial", ticket.Serial).
		Uint32("logId", ticket.LogID).
		Str("user", username).
		Msg("Abandoned upload re-queued")

	s.respondJSON(w, http.StatusOK, ticket)
}
