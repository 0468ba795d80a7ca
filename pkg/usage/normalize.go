// Package usage turns the retailer's usage payloads into canonical documents
// of daily entries.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/metrics"
	"github.com/raterudder/redenergy/pkg/types"
)

// DataKeyAliases are the keys probed, in order, for the list of entries when
// upstream wraps it in an object.
var DataKeyAliases = []string{"usage_data", "usageData", "data", "intervals", "usage", "entries"}

// maximum number of payload bytes echoed into an anomaly log line
const anomalyLogLimit = 512

// Normalizer converts raw usage responses into canonical documents. It is
// safe for concurrent use.
type Normalizer struct {
	mappingLogged sync.Once
}

// NewNormalizer returns a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize always returns a well-formed document. Payloads that match no
// known shape are logged and produce an empty document.
func (n *Normalizer) Normalize(ctx context.Context, raw json.RawMessage, consumerNumber, fromDate, toDate string) types.UsageDocument {
	doc := types.NewUsageDocument(consumerNumber, fromDate, toDate)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		log.Ctx(ctx).WarnContext(ctx, "usage response was null", slog.String("consumerNumber", consumerNumber))
		return doc
	}

	switch trimmed[0] {
	case '{':
		var obj types.RawObject
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			n.anomaly(ctx, trimmed, consumerNumber, err)
			return doc
		}
		_, hasConsumer := obj["consumer_number"]
		_, hasUsage := obj["usage_data"]
		if hasConsumer && hasUsage {
			log.Ctx(ctx).DebugContext(ctx, "usage response already canonical", slog.String("consumerNumber", consumerNumber))
			return types.PassthroughUsageDocument(trimmed)
		}

		if obj.Boolean(false, "error") {
			doc.Error = true
			doc.ErrorType = obj.Str("error_type", "errorType", "type", "errorCode")
			doc.ErrorMessage = obj.Str("error_message", "errorMessage", "message", "errorSummary")
			doc.ErrorDetails = obj.Str("error_details", "errorDetails", "details")
			log.Ctx(ctx).WarnContext(ctx, "usage response is an error",
				slog.String("consumerNumber", consumerNumber),
				slog.String("type", doc.ErrorType),
				slog.String("message", doc.ErrorMessage),
			)
			return doc
		}

		entries, found := probeEntries(obj)
		if entries != nil {
			log.Ctx(ctx).DebugContext(ctx, "extracted usage entries from object", slog.Int("count", len(entries)))
			doc.UsageData = n.normalizeEntries(ctx, entries)
			return doc
		}
		if found {
			// an alias was present but held an empty list
			return doc
		}
		log.Ctx(ctx).DebugContext(ctx, "usage response is a single entry")
		doc.UsageData = []types.DailyEntry{n.normalizeEntry(ctx, trimmed)}
		return doc
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			n.anomaly(ctx, trimmed, consumerNumber, err)
			return doc
		}
		log.Ctx(ctx).DebugContext(ctx, "usage response is a list", slog.Int("count", len(entries)))
		doc.UsageData = n.normalizeEntries(ctx, entries)
		return doc
	}

	n.anomaly(ctx, trimmed, consumerNumber, nil)
	return doc
}

// probeEntries returns the first alias holding a non-empty list. found is true
// when at least one alias held a list, even an empty one.
func probeEntries(obj types.RawObject) (entries []json.RawMessage, found bool) {
	for _, key := range DataKeyAliases {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || list == nil {
			continue
		}
		found = true
		if len(list) > 0 {
			return list, true
		}
	}
	return nil, found
}

func (n *Normalizer) anomaly(ctx context.Context, raw []byte, consumerNumber string, err error) {
	metrics.RecordShapeAnomaly()
	payload := raw
	if len(payload) > anomalyLogLimit {
		payload = payload[:anomalyLogLimit]
	}
	attrs := []any{
		slog.String("consumerNumber", consumerNumber),
		slog.String("payload", string(payload)),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	log.Ctx(ctx).ErrorContext(ctx, "unexpected usage data format, returning empty document", attrs...)
}

func (n *Normalizer) normalizeEntries(ctx context.Context, entries []json.RawMessage) []types.DailyEntry {
	out := make([]types.DailyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, n.normalizeEntry(ctx, e))
	}
	return out
}
