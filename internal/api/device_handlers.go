package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/storage"
)

// deviceStatus pairs a configured watch with its last known sync state.
// State is nil for devices that were never synced.
type deviceStatus struct {
	Handle     string            `json:"handle"`
	Address    string            `json:"address,omitempty"`
	Configured bool              `json:"configured"`
	State      *models.SyncState `json:"state,omitempty"`
}

// HandleListDevices lists configured devices and every device with sync state
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListSyncStates(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byHandle := make(map[string]*models.SyncState, len(states))
	for _, st := range states {
		byHandle[st.Handle] = st
	}

	devices := make([]deviceStatus, 0, len(s.config.Devices)+len(states))
	for _, d := range s.config.Devices {
		devices = append(devices, deviceStatus{
			Handle:     d.Handle,
			Address:    d.Address,
			Configured: true,
			State:      byHandle[d.Handle],
		})
		delete(byHandle, d.Handle)
	}

	// Devices synced under a handle that is no longer configured
	for _, st := range states {
		if _, ok := byHandle[st.Handle]; ok {
			devices = append(devices, deviceStatus{Handle: st.Handle, State: st})
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleGetSyncState gets the sync state of a device by serial
func (s *RESTServer) HandleGetSyncState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetSyncState(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, state)
}
