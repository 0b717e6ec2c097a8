package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/testshift/internal/errors"
	"github.com/3leaps/testshift/pkg/scheduler"
)

// StatusSource returns the current snapshot, or false before workers start.
type StatusSource func() (scheduler.Snapshot, bool)

// StatusResponse is the body of /status.
type StatusResponse struct {
	RunID     string             `json:"run_id"`
	Remaining int                `json:"remaining"`
	Snapshot  scheduler.Snapshot `json:"snapshot"`
}

// StatusHandler serves the run's progress counters.
func StatusHandler(runID string, src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			respondWithError(w, r, apperrors.NewNotFoundError("no run attached"))
			return
		}
		snap, ok := src()
		if !ok {
			respondWithError(w, r, apperrors.NewExternalServiceError("run has not started"))
			return
		}
		apperrors.WriteJSON(w, http.StatusOK, StatusResponse{
			RunID:     runID,
			Remaining: snap.Remaining(),
			Snapshot:  snap,
		})
	}
}

// TrackerSource adapts a tracker getter that may return nil until the
// scheduler has partitioned its Changes.
func TrackerSource(get func() *scheduler.Tracker) StatusSource {
	return func() (scheduler.Snapshot, bool) {
		t := get()
		if t == nil {
			return scheduler.Snapshot{}, false
		}
		return t.Snapshot(), true
	}
}
