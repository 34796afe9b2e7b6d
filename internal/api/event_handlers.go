package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
)

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, offset := pagination(r)

	filters := storage.EventLogFilters{}

	// Parse filters
	if serial := q.Get("serial"); serial != "" {
		filters.Serial = &serial
	}

	if ticketID := q.Get("ticket_id"); ticketID != "" {
		if id, err := uuid.Parse(ticketID); err == nil {
			filters.TicketID = &id
		}
	}

	if eventType := q.Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := q.Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since, expected RFC3339")
			return
		}
		filters.StartTime = &t
	}

	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid until, expected RFC3339")
			return
		}
		filters.EndTime = &t
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}
