package registry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleetsync/pkg/fleet"
)

type ingestResponse struct {
	Status    string `json:"status"`
	MachineID string `json:"machine_id"`
	Source    string `json:"source"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, SourceReport)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, SourceManual)
}

func (a *API) ingest(w http.ResponseWriter, r *http.Request, source string) {
	var report fleet.StatusReport
	if err := decodeJSON(w, r, &report); err != nil {
		RespondError(w, decodeStatus(err), fmt.Errorf("decode report: %w", err))
		return
	}

	rec, err := a.registry.Ingest(r.Context(), report, source)
	if err != nil {
		if errors.Is(err, ErrInvalidReport) {
			RespondError(w, http.StatusBadRequest, err)
			return
		}
		RespondError(w, http.StatusInternalServerError, err)
		return
	}

	RespondJSON(w, http.StatusOK, ingestResponse{Status: "ok", MachineID: rec.MachineID, Source: rec.Source})
}

func (a *API) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines := a.registry.List(r.Context())
	RespondJSON(w, http.StatusOK, map[string]any{
		"machines": machines,
		"count":    len(machines),
	})
}

func (a *API) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	detail, err := a.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			RespondError(w, http.StatusNotFound, err)
			return
		}
		RespondError(w, http.StatusInternalServerError, err)
		return
	}
	RespondJSON(w, http.StatusOK, detail)
}

func (a *API) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, a.registry.FleetStatus(r.Context()))
}
