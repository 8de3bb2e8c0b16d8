package extract

import (
	"errors"
	"testing"
)

func TestRecords_FullBatch(t *testing.T) {
	payload := []byte(`[
		{"client": "A. Smith", "care_pro": "J. Doe", "visit_date": "2026-08-01", "note": "Routine visit."},
		{"client": "B. Jones", "care_pro": "J. Doe", "visit_date": "2026-08-02", "note": "Client had a fall."}
	]`)

	records, err := Records(payload, "batch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for i, r := range records {
		if r.BatchID != "batch-1" {
			t.Errorf("record %d: expected batch ID batch-1, got %s", i, r.BatchID)
		}
		if r.RecordIndex != i {
			t.Errorf("record %d: expected index %d, got %d", i, i, r.RecordIndex)
		}
	}
	if records[1].Note != "Client had a fall." {
		t.Errorf("unexpected note: %s", records[1].Note)
	}
}

func TestRecords_MissingOptionalFieldsDefault(t *testing.T) {
	payload := []byte(`[{"note": "only a note"}]`)

	records, err := Records(payload, "batch-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := records[0]
	if r.Client != "" || r.CarePro != "" || r.VisitDate != "" {
		t.Errorf("expected empty defaults, got client=%q carePro=%q visitDate=%q", r.Client, r.CarePro, r.VisitDate)
	}
}

func TestRecords_FencedPayload(t *testing.T) {
	payload := []byte("```json\n[{\"note\": \"wrapped by an export tool\"}]\n```")

	records, err := Records(payload, "batch-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestRecords_MalformedPayload(t *testing.T) {
	for _, payload := range []string{"not json at all", `{"note": "an object, not an array"`, ""} {
		_, err := Records([]byte(payload), "bad-batch")
		if err == nil {
			t.Fatalf("expected error for payload %q", payload)
		}
		var merr *MalformedBatchError
		if !errors.As(err, &merr) {
			t.Errorf("expected MalformedBatchError for payload %q, got %T", payload, err)
		}
	}
}

func TestRecords_EmptyBatch(t *testing.T) {
	records, err := Records([]byte(`[]`), "empty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected 0 records, got %d", len(records))
	}
}

func TestBatchIDFromKey(t *testing.T) {
	cases := map[string]string{
		"batch1.json":                      "batch1",
		"uploads/2026-08-21%20visits.json": "2026-08-21 visits",
		"visits":                           "visits",
		"uploads/nested/weekly.JSON":       "weekly",
	}
	for key, want := range cases {
		if got := BatchIDFromKey(key); got != want {
			t.Errorf("BatchIDFromKey(%q) = %q, want %q", key, got, want)
		}
	}
}
