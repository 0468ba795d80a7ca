package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/types"
)

// round rounds v to the given decimal places. Values too large to scale are
// already coarser than the precision and are returned as is; non-finite sums
// become 0 so every entry stays encodable.
func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	p := math.Pow10(places)
	if math.IsInf(v*p, 0) {
		return v
	}
	return math.Round(v*p) / p
}

// normalizeEntry aggregates one day of half-hourly intervals. Anything that
// isn't an object yields the empty entry; malformed intervals contribute
// nothing.
func (n *Normalizer) normalizeEntry(ctx context.Context, raw json.RawMessage) types.DailyEntry {
	var entry types.RawObject
	if err := json.Unmarshal(raw, &entry); err != nil || entry == nil {
		log.Ctx(ctx).WarnContext(ctx, "usage entry is not an object, using empty entry")
		return types.EmptyDailyEntry()
	}
	n.mappingLogged.Do(func() {
		logEntryMapping(ctx, entry)
	})

	var importUsage, exportUsage float64
	var peakImport, offpeakImport, shoulderImport float64
	var peakExport, offpeakExport, shoulderExport float64
	var maxDemandKW float64
	var maxDemandTime string

	var intervals []json.RawMessage
	_ = json.Unmarshal(entry["halfHours"], &intervals)
	for _, iraw := range intervals {
		var interval types.RawObject
		if err := json.Unmarshal(iraw, &interval); err != nil || interval == nil {
			continue
		}
		consumption := interval.Num("consumptionKwh")
		generation := interval.Num("generationKwh")
		importUsage += consumption
		exportUsage += generation

		switch strings.ToUpper(interval.Str("primaryConsumptionTariffComponent")) {
		case types.PeriodPeak:
			peakImport += consumption
			peakExport += generation
		case types.PeriodOffPeak:
			offpeakImport += consumption
			offpeakExport += generation
		case types.PeriodShoulder:
			shoulderImport += consumption
			shoulderExport += generation
		}

		if demand, ok := interval.Child("demandDetail"); ok {
			if kw := demand.Num("demandKw"); kw > maxDemandKW {
				maxDemandKW = kw
				maxDemandTime = interval.Str("intervalStart")
			}
		}
	}

	importCost := entry.Num("consumptionDollar")
	exportCredit := math.Abs(entry.Num("generationDollar"))
	netCost := importCost - exportCredit

	// the daily summary can be more accurate than the intervals
	if summary, ok := entry.Child("maxDemandDetail"); ok && len(summary) > 0 {
		if kw := summary.Num("demandKw"); kw > maxDemandKW {
			maxDemandKW = kw
			maxDemandTime = summary.Str("intervalStart")
		}
	}

	e := types.DailyEntry{
		Date:                entry.Str("usageDate"),
		Unit:                types.DefaultUnit,
		Usage:               round(importUsage-exportUsage, 3),
		Cost:                round(netCost, 2),
		ImportUsage:         round(importUsage, 3),
		ExportUsage:         round(exportUsage, 3),
		ImportCost:          round(importCost, 2),
		ExportCredit:        round(exportCredit, 2),
		NetCost:             round(netCost, 2),
		PeakImportUsage:     round(peakImport, 3),
		OffPeakImportUsage:  round(offpeakImport, 3),
		ShoulderImportUsage: round(shoulderImport, 3),
		PeakExportUsage:     round(peakExport, 3),
		OffPeakExportUsage:  round(offpeakExport, 3),
		ShoulderExportUsage: round(shoulderExport, 3),
		MaxDemandKW:         round(maxDemandKW, 3),
		MaxDemandTime:       maxDemandTime,
		CarbonEmissionTonne: round(entry.Num("carbonEmissionTonne"), 6),
	}

	log.Ctx(ctx).DebugContext(ctx, "normalized usage entry",
		slog.String("date", e.Date),
		slog.Float64("importKWh", e.ImportUsage),
		slog.Float64("exportKWh", e.ExportUsage),
		slog.Float64("importCost", e.ImportCost),
		slog.Float64("exportCredit", e.ExportCredit),
		slog.Float64("netCost", e.NetCost),
		slog.Int("intervals", len(intervals)),
	)
	return e
}

// logEntryMapping describes the first entry's structure so field mapping
// problems can be spotted without dumping 48 intervals.
func logEntryMapping(ctx context.Context, entry types.RawObject) {
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		var list []json.RawMessage
		if err := json.Unmarshal(entry[k], &list); err == nil && list != nil {
			attrs = append(attrs, slog.Int(k, len(list)))
			continue
		}
		attrs = append(attrs, slog.String(k, string(entry[k])))
	}
	log.Ctx(ctx).DebugContext(ctx, "usage entry field mapping", slog.Group("entry", attrs...))
}
