package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/raterudder/redenergy/pkg/collector"
	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/redenergy"
	"github.com/raterudder/redenergy/pkg/types"
)

type updateResponse struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Properties int       `json:"properties"`
	Services   int       `json:"services"`
}

func snapshotResponse(snap types.Snapshot) updateResponse {
	var services int
	for _, pu := range snap.Usage {
		services += len(pu.Services)
	}
	return updateResponse{
		LastUpdate: snap.LastUpdate,
		Properties: len(snap.Usage),
		Services:   services,
	}
}

// writeUpdateError maps a failed pass to a status code. Login failures get a
// different message from data failures.
func writeUpdateError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var ae *redenergy.AuthError
	switch {
	case redenergy.IsAuthKind(err, redenergy.AuthKindInvalidConfig):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &ae):
		log.Ctx(ctx).WarnContext(ctx, "authentication failed", slog.Any("error", err))
		writeJSONError(w, "authentication failed: "+string(ae.Kind), http.StatusBadGateway)
	case errors.Is(err, collector.ErrNoUsageData):
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, redenergy.ErrTimeout):
		log.Ctx(ctx).WarnContext(ctx, "update timed out", slog.Any("error", err))
		writeJSONError(w, "upstream timed out", http.StatusGatewayTimeout)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "update failed", slog.Any("error", err))
		writeJSONError(w, "update failed", http.StatusBadGateway)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Update(r.Context())
	if err != nil {
		writeUpdateError(w, r, err)
		return
	}
	writeJSON(w, snapshotResponse(snap))
}

func (s *Server) handleRefreshMetadata(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.RefreshMetadata(r.Context())
	if err != nil {
		writeUpdateError(w, r, err)
		return
	}
	writeJSON(w, snapshotResponse(snap))
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var creds types.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if creds.ClientID == "" {
		creds.ClientID = redenergy.DefaultClientID
	}
	if err := creds.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.collector.UpdateCredentials(r.Context(), creds)
	if err != nil {
		writeUpdateError(w, r, err)
		return
	}
	writeJSON(w, snapshotResponse(snap))
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	var sel types.Selection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(sel.Services) == 0 {
		writeJSONError(w, "at least one service is required", http.StatusBadRequest)
		return
	}
	for _, svc := range sel.Services {
		if !slices.Contains([]string{types.ServiceElectricity, types.ServiceGas}, svc) {
			writeJSONError(w, "unknown service: "+svc, http.StatusBadRequest)
			return
		}
	}
	snap, err := s.collector.UpdateSelection(r.Context(), sel)
	if err != nil {
		writeUpdateError(w, r, err)
		return
	}
	writeJSON(w, snapshotResponse(snap))
}
