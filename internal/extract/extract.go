// Package extract parses a raw batch payload into normalized visit-note
// records. A batch is one uploaded JSON file: an array of note objects, each
// with at least a "note" field. The batch ID is derived from the S3 object
// key that delivered the payload.
package extract

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/jsonutil"
)

// VisitRecord is one normalized care-visit note. Records are immutable once
// extracted; RecordIndex is the 0-based position within the batch and, with
// BatchID, forms the idempotency key for persisted results.
type VisitRecord struct {
	BatchID     string
	RecordIndex int
	Client      string
	CarePro     string
	VisitDate   string
	Note        string
}

// MalformedBatchError indicates the payload could not be parsed as a sequence
// of note objects at all. This is batch-fatal; per-record problems never
// produce it.
type MalformedBatchError struct {
	BatchID string
	Reason  string
	Err     error
}

func (e *MalformedBatchError) Error() string {
	return fmt.Sprintf("malformed batch %s: %s", e.BatchID, e.Reason)
}

func (e *MalformedBatchError) Unwrap() error { return e.Err }

// rawRecord mirrors the upload format. Only note is required; the exporter
// omits the other fields for some visit types.
type rawRecord struct {
	Client    string `json:"client"`
	CarePro   string `json:"care_pro"`
	VisitDate string `json:"visit_date"`
	Note      string `json:"note"`
}

// Records parses payload into an ordered sequence of VisitRecord. Missing
// optional fields default to empty strings rather than failing the batch.
// Returns *MalformedBatchError when the payload is not a JSON array of
// objects.
func Records(payload []byte, batchID string) ([]VisitRecord, error) {
	raws, err := jsonutil.ParseJSON[[]rawRecord](string(payload))
	if err != nil {
		return nil, &MalformedBatchError{
			BatchID: batchID,
			Reason:  "payload is not a JSON array of note objects",
			Err:     err,
		}
	}

	records := make([]VisitRecord, len(raws))
	for i, r := range raws {
		records[i] = VisitRecord{
			BatchID:     batchID,
			RecordIndex: i,
			Client:      r.Client,
			CarePro:     r.CarePro,
			VisitDate:   r.VisitDate,
			Note:        r.Note,
		}
	}

	log.Debug().Str("batchId", batchID).Int("records", len(records)).Msg("Batch extracted")
	return records, nil
}

// BatchIDFromKey derives the batch ID from an S3 object key: URL-unescape
// (keys arrive percent-encoded in S3 events), drop any directory prefix, and
// strip the file extension. "uploads/2026-08-21%20visits.json" → "2026-08-21 visits".
func BatchIDFromKey(key string) string {
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}
