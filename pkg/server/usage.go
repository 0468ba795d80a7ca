package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/redenergy/pkg/common"
	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/types"
)

type statusResponse struct {
	Version    string          `json:"version"`
	Token      types.TokenInfo `json:"token"`
	Selection  types.Selection `json:"selection"`
	LastUpdate time.Time       `json:"lastUpdate,omitzero"`
	LastError  string          `json:"lastError,omitempty"`
	Properties int             `json:"properties"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Snapshot()
	resp := statusResponse{
		Version:    common.Version(),
		Token:      s.collector.TokenInfo(),
		Selection:  s.collector.Selection(),
		LastUpdate: snap.LastUpdate,
		Properties: len(snap.Usage),
	}
	if err := s.collector.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(w, resp)
}

type propertiesResponse struct {
	Customer   types.Customer   `json:"customer"`
	Properties []types.Property `json:"properties"`
}

func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	snap := s.collector.Snapshot()
	properties := snap.Properties
	if properties == nil {
		properties = []types.Property{}
	}
	writeJSON(w, propertiesResponse{
		Customer:   snap.Customer,
		Properties: properties,
	})
}

type periodTotals struct {
	ImportUsage float64 `json:"importUsage"`
	ExportUsage float64 `json:"exportUsage"`
}

type usageTotals struct {
	Usage               float64                 `json:"usage"`
	Cost                float64                 `json:"cost"`
	ImportUsage         float64                 `json:"importUsage"`
	ExportUsage         float64                 `json:"exportUsage"`
	ImportCost          float64                 `json:"importCost"`
	ExportCredit        float64                 `json:"exportCredit"`
	NetCost             float64                 `json:"netCost"`
	CarbonEmissionTonne float64                 `json:"carbonEmissionTonne"`
	Periods             map[string]periodTotals `json:"periods"`
	MaxDemand           *types.MaxDemand        `json:"maxDemand,omitempty"`
	Latest              *types.DailyEntry       `json:"latest,omitempty"`
}

type usageResponse struct {
	PropertyID     string                `json:"propertyID"`
	Service        string                `json:"service"`
	ConsumerNumber string                `json:"consumerNumber"`
	LastUpdated    time.Time             `json:"lastUpdated"`
	Metadata       types.ServiceMetadata `json:"metadata"`
	Totals         usageTotals           `json:"totals"`
	Document       types.UsageDocument   `json:"document"`
}

func totals(doc types.UsageDocument) usageTotals {
	t := usageTotals{
		Usage:               doc.TotalUsage(),
		Cost:                doc.TotalCost(),
		ImportUsage:         doc.TotalImportUsage(),
		ExportUsage:         doc.TotalExportUsage(),
		ImportCost:          doc.TotalImportCost(),
		ExportCredit:        doc.TotalExportCredit(),
		NetCost:             doc.NetTotalCost(),
		CarbonEmissionTonne: doc.TotalCarbonEmission(),
		Periods:             map[string]periodTotals{},
	}
	for _, period := range []string{types.PeriodPeak, types.PeriodOffPeak, types.PeriodShoulder} {
		t.Periods[period] = periodTotals{
			ImportUsage: doc.PeriodImportUsage(period),
			ExportUsage: doc.PeriodExportUsage(period),
		}
	}
	if md, ok := doc.MaxDemand(); ok {
		t.MaxDemand = &md
	}
	if latest, ok := doc.Latest(); ok {
		t.Latest = &latest
	}
	return t
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	propertyID := r.URL.Query().Get("propertyID")
	service := r.URL.Query().Get("service")
	if propertyID == "" || service == "" {
		writeJSONError(w, "propertyID and service are required", http.StatusBadRequest)
		return
	}
	su, ok := s.collector.ServiceUsage(propertyID, service)
	if !ok {
		writeJSONError(w, "no usage collected for that property and service", http.StatusNotFound)
		return
	}
	meta, _ := s.collector.ServiceMetadata(propertyID, service)
	writeJSON(w, usageResponse{
		PropertyID:     propertyID,
		Service:        service,
		ConsumerNumber: su.ConsumerNumber,
		LastUpdated:    su.LastUpdated,
		Metadata:       meta,
		Totals:         totals(su.Usage),
		Document:       su.Usage,
	})
}

type historyResponse struct {
	ConsumerNumber string             `json:"consumerNumber"`
	Entries        []types.DailyEntry `json:"entries"`
	// LatestStored is the newest day in storage, which can be outside the
	// requested range.
	LatestStored  string `json:"latestStored,omitempty"`
	StoredVersion int    `json:"storedVersion,omitempty"`
}

// handleHistory reads stored daily usage, which can reach further back than
// the latest pass.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	consumerNumber := q.Get("consumerNumber")
	if consumerNumber == "" {
		writeJSONError(w, "consumerNumber is required", http.StatusBadRequest)
		return
	}
	to := time.Now()
	if v := q.Get("to"); v != "" {
		var err error
		if to, err = time.Parse(time.DateOnly, v); err != nil {
			writeJSONError(w, "invalid to date", http.StatusBadRequest)
			return
		}
	}
	from := to.AddDate(0, 0, -30)
	if v := q.Get("from"); v != "" {
		var err error
		if from, err = time.Parse(time.DateOnly, v); err != nil {
			writeJSONError(w, "invalid from date", http.StatusBadRequest)
			return
		}
	}
	if from.After(to) {
		writeJSONError(w, "from must not be after to", http.StatusBadRequest)
		return
	}

	entries, err := s.storage.GetDailyUsage(ctx, consumerNumber, from, to)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get daily usage", slog.String("consumerNumber", consumerNumber), slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []types.DailyEntry{}
	}
	resp := historyResponse{ConsumerNumber: consumerNumber, Entries: entries}

	latest, version, err := s.storage.GetLatestUsageDate(ctx, consumerNumber)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get latest usage date", slog.String("consumerNumber", consumerNumber), slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	if !latest.IsZero() {
		resp.LatestStored = latest.Format(time.DateOnly)
		resp.StoredVersion = version
	}
	writeJSON(w, resp)
}
