package types

import (
	"encoding/json"
	"strings"
)

// Tariff periods tagged on half-hourly intervals.
const (
	PeriodPeak     = "PEAK"
	PeriodOffPeak  = "OFFPEAK"
	PeriodShoulder = "SHOULDER"
)

// DefaultUnit is the unit of every aggregated daily entry.
const DefaultUnit = "kWh"

// DailyEntry is one calendar day's usage aggregate for one consumer.
type DailyEntry struct {
	Date string  `json:"date"`
	Unit string  `json:"unit"`
	// Usage is ImportUsage minus ExportUsage.
	Usage float64 `json:"usage"`
	// Cost mirrors NetCost.
	Cost float64 `json:"cost"`

	ImportUsage  float64 `json:"import_usage"`
	ExportUsage  float64 `json:"export_usage"`
	ImportCost   float64 `json:"import_cost"`
	ExportCredit float64 `json:"export_credit"`
	NetCost      float64 `json:"net_cost"`

	PeakImportUsage     float64 `json:"peak_import_usage"`
	OffPeakImportUsage  float64 `json:"offpeak_import_usage"`
	ShoulderImportUsage float64 `json:"shoulder_import_usage"`
	PeakExportUsage     float64 `json:"peak_export_usage"`
	OffPeakExportUsage  float64 `json:"offpeak_export_usage"`
	ShoulderExportUsage float64 `json:"shoulder_export_usage"`

	MaxDemandKW   float64 `json:"max_demand_kw"`
	MaxDemandTime string  `json:"max_demand_time"`

	CarbonEmissionTonne float64 `json:"carbon_emission_tonne"`
}

// EmptyDailyEntry is the zero-valued entry with its unit set.
func EmptyDailyEntry() DailyEntry {
	return DailyEntry{Unit: DefaultUnit}
}

// UnmarshalJSON implements json.Unmarshaler. Documents that arrive already in
// canonical form are not produced by us, so numbers may be strings and
// fields may be missing.
func (e *DailyEntry) UnmarshalJSON(b []byte) error {
	var o RawObject
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*e = DailyEntry{
		Date:                o.Str("date"),
		Unit:                o.Str("unit"),
		Usage:               o.Num("usage"),
		Cost:                o.Num("cost"),
		ImportUsage:         o.Num("import_usage"),
		ExportUsage:         o.Num("export_usage"),
		ImportCost:          o.Num("import_cost"),
		ExportCredit:        o.Num("export_credit"),
		NetCost:             o.Num("net_cost"),
		PeakImportUsage:     o.Num("peak_import_usage"),
		OffPeakImportUsage:  o.Num("offpeak_import_usage"),
		ShoulderImportUsage: o.Num("shoulder_import_usage"),
		PeakExportUsage:     o.Num("peak_export_usage"),
		OffPeakExportUsage:  o.Num("offpeak_export_usage"),
		ShoulderExportUsage: o.Num("shoulder_export_usage"),
		MaxDemandKW:         o.Num("max_demand_kw"),
		MaxDemandTime:       o.Str("max_demand_time"),
		CarbonEmissionTonne: o.Num("carbon_emission_tonne"),
	}
	if e.Unit == "" {
		e.Unit = DefaultUnit
	}
	return nil
}

// UsageDocument is the canonical usage payload for one consumer over a date
// range.
type UsageDocument struct {
	ConsumerNumber string       `json:"consumer_number"`
	FromDate       string       `json:"from_date"`
	ToDate         string       `json:"to_date"`
	UsageData      []DailyEntry `json:"usage_data"`

	// Error is set when upstream answered with an error-shaped document
	// instead of usage.
	Error        bool   `json:"error,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`

	raw json.RawMessage
}

// NewUsageDocument returns an empty document for the given consumer and range.
func NewUsageDocument(consumerNumber, fromDate, toDate string) UsageDocument {
	return UsageDocument{
		ConsumerNumber: consumerNumber,
		FromDate:       fromDate,
		ToDate:         toDate,
		UsageData:      []DailyEntry{},
	}
}

// PassthroughUsageDocument wraps a document that is already canonical. The
// original bytes are kept and are what MarshalJSON returns.
func PassthroughUsageDocument(raw json.RawMessage) UsageDocument {
	var o RawObject
	_ = json.Unmarshal(raw, &o)
	d := UsageDocument{
		ConsumerNumber: o.Str("consumer_number"),
		FromDate:       o.Str("from_date"),
		ToDate:         o.Str("to_date"),
		UsageData:      []DailyEntry{},
		Error:          o.Boolean(false, "error"),
		ErrorType:      o.Str("error_type"),
		ErrorMessage:   o.Str("error_message"),
		ErrorDetails:   o.Str("error_details"),
		raw:            append(json.RawMessage(nil), raw...),
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(o["usage_data"], &entries); err == nil {
		for _, er := range entries {
			var e DailyEntry
			if err := json.Unmarshal(er, &e); err != nil {
				continue
			}
			d.UsageData = append(d.UsageData, e)
		}
	}
	return d
}

// Raw returns the upstream bytes for a passthrough document and nil otherwise.
func (d UsageDocument) Raw() json.RawMessage {
	return d.raw
}

// MarshalJSON implements json.Marshaler.
func (d UsageDocument) MarshalJSON() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	type plain UsageDocument
	p := plain(d)
	if p.UsageData == nil {
		p.UsageData = []DailyEntry{}
	}
	return json.Marshal(p)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *UsageDocument) UnmarshalJSON(b []byte) error {
	var o RawObject
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	*d = PassthroughUsageDocument(b)
	d.raw = nil
	return nil
}

// IsError reports whether upstream sent an error-shaped document.
func (d UsageDocument) IsError() bool {
	return d.Error
}

// Latest returns the most recent entry.
func (d UsageDocument) Latest() (DailyEntry, bool) {
	if len(d.UsageData) == 0 {
		return DailyEntry{}, false
	}
	return d.UsageData[len(d.UsageData)-1], true
}

func (d UsageDocument) sum(f func(DailyEntry) float64) float64 {
	var total float64
	for _, e := range d.UsageData {
		total += f(e)
	}
	return total
}

// TotalUsage is the net usage over the whole range.
func (d UsageDocument) TotalUsage() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.Usage })
}

// TotalCost is the net cost over the whole range.
func (d UsageDocument) TotalCost() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.Cost })
}

func (d UsageDocument) TotalImportUsage() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.ImportUsage })
}

func (d UsageDocument) TotalExportUsage() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.ExportUsage })
}

func (d UsageDocument) TotalImportCost() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.ImportCost })
}

func (d UsageDocument) TotalExportCredit() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.ExportCredit })
}

// NetTotalCost is import cost less export credit.
func (d UsageDocument) NetTotalCost() float64 {
	return d.TotalImportCost() - d.TotalExportCredit()
}

// PeriodImportUsage sums import usage for a tariff period. Unknown periods
// return zero.
func (d UsageDocument) PeriodImportUsage(period string) float64 {
	switch strings.ToUpper(period) {
	case PeriodPeak:
		return d.sum(func(e DailyEntry) float64 { return e.PeakImportUsage })
	case PeriodOffPeak:
		return d.sum(func(e DailyEntry) float64 { return e.OffPeakImportUsage })
	case PeriodShoulder:
		return d.sum(func(e DailyEntry) float64 { return e.ShoulderImportUsage })
	}
	return 0
}

// PeriodExportUsage sums export usage for a tariff period.
func (d UsageDocument) PeriodExportUsage(period string) float64 {
	switch strings.ToUpper(period) {
	case PeriodPeak:
		return d.sum(func(e DailyEntry) float64 { return e.PeakExportUsage })
	case PeriodOffPeak:
		return d.sum(func(e DailyEntry) float64 { return e.OffPeakExportUsage })
	case PeriodShoulder:
		return d.sum(func(e DailyEntry) float64 { return e.ShoulderExportUsage })
	}
	return 0
}

// MaxDemand is the highest daily demand in the document.
type MaxDemand struct {
	KW   float64 `json:"max_demand_kw"`
	Time string  `json:"max_demand_time"`
	Date string  `json:"max_demand_date"`
}

// MaxDemand returns the day with the highest demand. The bool is false for an
// empty document.
func (d UsageDocument) MaxDemand() (MaxDemand, bool) {
	if len(d.UsageData) == 0 {
		return MaxDemand{}, false
	}
	var m MaxDemand
	for _, e := range d.UsageData {
		if e.MaxDemandKW > m.KW {
			m = MaxDemand{KW: e.MaxDemandKW, Time: e.MaxDemandTime, Date: e.Date}
		}
	}
	return m, true
}

func (d UsageDocument) TotalCarbonEmission() float64 {
	return d.sum(func(e DailyEntry) float64 { return e.CarbonEmissionTonne })
}
