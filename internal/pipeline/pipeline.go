// Package pipeline orchestrates one batch run: extract records, fan work
// units out across the bounded runner, persist outcomes, and report.
//
// Each invocation moves through Received → Extracted → Dispatched →
// Collected → Persisted → Reported. Only extraction failure terminates a run
// early; every per-record and per-client failure is absorbed into the run
// report, and the report itself always names any record that could not be
// classified, summarised, or persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/classify"
	"github.com/opencare/visit-insights/internal/extract"
	"github.com/opencare/visit-insights/internal/metrics"
	"github.com/opencare/visit-insights/internal/resultstore"
	"github.com/opencare/visit-insights/internal/runner"
	"github.com/opencare/visit-insights/internal/summarise"
)

// Status is the overall outcome of one batch invocation.
type Status string

const (
	StatusAllSucceeded   Status = "AllSucceeded"
	StatusPartialFailure Status = "PartialFailure"
	StatusBatchFailed    Status = "BatchFailed"
)

// FailureDetail names one record or client group that did not fully succeed.
// RecordIndex is -1 for client-group failures.
type FailureDetail struct {
	RecordIndex int
	Client      string
	ErrorKind   runner.ErrorKind
	Message     string
}

// Report is the run-level summary emitted for every invocation. It is
// ephemeral: logged and returned to the caller, never persisted.
type Report struct {
	BatchID   string
	RunID     string
	Status    Status
	Total     int
	Succeeded int
	Failed    int
	Failures  []FailureDetail
	Duration  time.Duration
}

// NoteClassifier is the classification dependency; satisfied by
// *classify.Classifier and by fakes in tests.
type NoteClassifier interface {
	Classify(ctx context.Context, note string) (classify.Result, error)
}

// NoteSummariser is the summarisation dependency.
type NoteSummariser interface {
	Summarise(ctx context.Context, client string, notes []string) (string, error)
}

// ResultWriter is the persistence dependency; satisfied by *resultstore.Store.
type ResultWriter interface {
	WriteClassifications(ctx context.Context, items []resultstore.ClassificationItem) *resultstore.WriteReport
	WriteSummaries(ctx context.Context, items []resultstore.SummaryItem) *resultstore.WriteReport
}

// Config carries all orchestrator tuning. There is no process-wide mutable
// state; everything the pipeline needs is passed in here or injected as a
// dependency.
type Config struct {
	Workers     int
	UnitTimeout time.Duration

	// Now is the clock for result timestamps; nil uses time.Now.
	Now func() time.Time
}

// Pipeline wires the extractor, runner, inference clients, and result
// writer for one deployment. Safe for concurrent invocations: it holds no
// per-run state.
type Pipeline struct {
	classifier NoteClassifier
	summariser NoteSummariser
	store      ResultWriter
	cfg        Config
}

// New creates a Pipeline. classifier or summariser may be nil when a
// deployment only runs one of the two variants.
func New(classifier NoteClassifier, summariser NoteSummariser, store ResultWriter, cfg Config) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{classifier: classifier, summariser: summariser, store: store, cfg: cfg}
}

// classifyErrorKind maps domain errors to report kinds for the runner.
func classifyErrorKind(err error) runner.ErrorKind {
	var cerr *classify.ClassificationError
	if errors.As(err, &cerr) {
		return runner.KindClassification
	}
	var serr *summarise.SummarizationError
	if errors.As(err, &serr) {
		return runner.KindSummarization
	}
	return ""
}

// classUnitValue carries a classification unit's result. Item is populated
// even when the unit failed, so fallback classifications are still
// persisted for audit.
type classUnitValue struct {
	item    resultstore.ClassificationItem
	hasItem bool
}

// RunClassification executes the classification pipeline for one batch
// payload. The returned error is non-nil only for extraction-level failure;
// the Report is non-nil in every case.
func (p *Pipeline) RunClassification(ctx context.Context, payload []byte, batchID string) (*Report, error) {
	start := p.cfg.Now()
	runID := uuid.NewString()
	log.Info().Str("batchId", batchID).Str("runId", runID).Str("stage", "received").Msg("Classification run started")

	records, err := extract.Records(payload, batchID)
	if err != nil {
		return p.reportBatchFailed(batchID, runID, "classification", start, err), err
	}
	log.Info().Str("batchId", batchID).Str("stage", "extracted").Int("records", len(records)).Msg("Batch extracted")

	units := make([]runner.Unit[classUnitValue], len(records))
	for i, rec := range records {
		rec := rec
		units[i] = func(ctx context.Context) (classUnitValue, error) {
			res, cerr := p.classifier.Classify(ctx, rec.Note)
			item := resultstore.ClassificationItem{
				BatchID:          rec.BatchID,
				RecordIndex:      rec.RecordIndex,
				AIClassification: string(res.Label),
				Fallback:         res.Fallback,
				Client:           rec.Client,
				CarePro:          rec.CarePro,
				VisitDate:        rec.VisitDate,
				Note:             rec.Note,
				Timestamp:        p.cfg.Now().Format(time.RFC3339),
			}
			return classUnitValue{item: item, hasItem: res.Label != ""}, cerr
		}
	}

	log.Info().Str("batchId", batchID).Str("stage", "dispatched").Int("units", len(units)).Msg("Work units dispatched")
	outcomes := runner.Run(ctx, units, runner.Config{
		Workers:       p.cfg.Workers,
		UnitTimeout:   p.cfg.UnitTimeout,
		ClassifyError: classifyErrorKind,
	})
	log.Info().Str("batchId", batchID).Str("stage", "collected").Msg("Outcomes collected")

	var failures []FailureDetail
	var items []resultstore.ClassificationItem
	labelCounts := map[string]int{}
	fallbacks := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, FailureDetail{
				RecordIndex: o.Index,
				Client:      records[o.Index].Client,
				ErrorKind:   o.Err.Kind,
				Message:     o.Err.Message,
			})
		}
		if o.Value.hasItem {
			items = append(items, o.Value.item)
			labelCounts[o.Value.item.AIClassification]++
			if o.Value.item.Fallback {
				fallbacks++
			}
		}
	}

	writeReport := p.store.WriteClassifications(ctx, items)
	for _, fw := range writeReport.Failed {
		detail := FailureDetail{
			RecordIndex: fw.RecordIndex,
			ErrorKind:   runner.KindStoreWrite,
			Message:     fw.Message,
		}
		if fw.RecordIndex >= 0 && fw.RecordIndex < len(records) {
			detail.Client = records[fw.RecordIndex].Client
		}
		failures = append(failures, detail)
	}
	log.Info().Str("batchId", batchID).Str("stage", "persisted").Int("written", writeReport.Written).Msg("Results persisted")

	report := p.buildReport(batchID, runID, len(records), failures, start)
	log.Info().
		Str("batchId", batchID).
		Int("red", labelCounts[string(classify.LabelRed)]).
		Int("amber", labelCounts[string(classify.LabelAmber)]).
		Int("green", labelCounts[string(classify.LabelGreen)]).
		Int("fallbacks", fallbacks).
		Msg("Classification tallies")
	p.emitReport(report, "classification", func(r *metrics.Recorder) {
		r.Metric("FallbackCount", float64(fallbacks), metrics.UnitCount)
	})
	return report, nil
}

// RunSummaries executes the per-client summary pipeline for one batch
// payload. Work units are client groups rather than individual records.
func (p *Pipeline) RunSummaries(ctx context.Context, payload []byte, batchID string) (*Report, error) {
	start := p.cfg.Now()
	runID := uuid.NewString()
	log.Info().Str("batchId", batchID).Str("runId", runID).Str("stage", "received").Msg("Summary run started")

	records, err := extract.Records(payload, batchID)
	if err != nil {
		return p.reportBatchFailed(batchID, runID, "summary", start, err), err
	}
	groups := summarise.GroupByClient(records)
	log.Info().Str("batchId", batchID).Str("stage", "extracted").Int("records", len(records)).Int("clients", len(groups)).Msg("Batch extracted and grouped")

	units := make([]runner.Unit[resultstore.SummaryItem], len(groups))
	for i, g := range groups {
		g := g
		units[i] = func(ctx context.Context) (resultstore.SummaryItem, error) {
			text, serr := p.summariser.Summarise(ctx, g.Client, g.Notes)
			if serr != nil {
				return resultstore.SummaryItem{}, serr
			}
			return resultstore.SummaryItem{
				BatchID:           batchID,
				Client:            g.Client,
				SummaryText:       text,
				SourceRecordCount: g.SourceCount,
				LatestVisitDate:   g.LatestVisitDate,
				Timestamp:         p.cfg.Now().Format(time.RFC3339),
			}, nil
		}
	}

	log.Info().Str("batchId", batchID).Str("stage", "dispatched").Int("units", len(units)).Msg("Work units dispatched")
	outcomes := runner.Run(ctx, units, runner.Config{
		Workers:       p.cfg.Workers,
		UnitTimeout:   p.cfg.UnitTimeout,
		ClassifyError: classifyErrorKind,
	})
	log.Info().Str("batchId", batchID).Str("stage", "collected").Msg("Outcomes collected")

	var failures []FailureDetail
	var items []resultstore.SummaryItem
	for _, o := range outcomes {
		if o.Err != nil {
			failures = append(failures, FailureDetail{
				RecordIndex: -1,
				Client:      groups[o.Index].Client,
				ErrorKind:   o.Err.Kind,
				Message:     o.Err.Message,
			})
			continue
		}
		items = append(items, o.Value)
	}

	writeReport := p.store.WriteSummaries(ctx, items)
	for _, fw := range writeReport.Failed {
		failures = append(failures, FailureDetail{
			RecordIndex: -1,
			Client:      fw.Client,
			ErrorKind:   runner.KindStoreWrite,
			Message:     fw.Message,
		})
	}
	log.Info().Str("batchId", batchID).Str("stage", "persisted").Int("written", writeReport.Written).Msg("Summaries persisted")

	report := p.buildReport(batchID, runID, len(groups), failures, start)
	p.emitReport(report, "summary", nil)
	return report, nil
}

// reportBatchFailed builds the terminal report for an extraction-level
// failure: zero outcomes, status BatchFailed.
func (p *Pipeline) reportBatchFailed(batchID, runID, variant string, start time.Time, err error) *Report {
	report := &Report{
		BatchID:  batchID,
		RunID:    runID,
		Status:   StatusBatchFailed,
		Duration: p.cfg.Now().Sub(start),
	}
	log.Error().Err(err).Str("batchId", batchID).Str("runId", runID).Msg("Batch failed at extraction")
	p.emitReport(report, variant, nil)
	return report
}

// buildReport derives counts and status from the failure list. A record that
// appears more than once in the failure list (e.g. classification fallback
// plus write failure) is counted as one failed record: record-indexed
// failures dedup by index, client-group failures by client.
func (p *Pipeline) buildReport(batchID, runID string, total int, failures []FailureDetail, start time.Time) *Report {
	failedKeys := map[string]bool{}
	for _, f := range failures {
		if f.RecordIndex >= 0 {
			failedKeys[fmt.Sprintf("record:%d", f.RecordIndex)] = true
		} else {
			failedKeys["client:"+f.Client] = true
		}
	}
	failed := len(failedKeys)

	status := StatusAllSucceeded
	if failed > 0 {
		status = StatusPartialFailure
	}

	return &Report{
		BatchID:   batchID,
		RunID:     runID,
		Status:    status,
		Total:     total,
		Succeeded: total - failed,
		Failed:    failed,
		Failures:  failures,
		Duration:  p.cfg.Now().Sub(start),
	}
}

// emitReport logs the run report and flushes EMF metrics for it.
func (p *Pipeline) emitReport(r *Report, variant string, extra func(*metrics.Recorder)) {
	evt := log.Info().
		Str("batchId", r.BatchID).
		Str("runId", r.RunID).
		Str("status", string(r.Status)).
		Int("total", r.Total).
		Int("succeeded", r.Succeeded).
		Int("failed", r.Failed).
		Dur("duration", r.Duration)
	if len(r.Failures) > 0 {
		evt = evt.Interface("failures", r.Failures)
	}
	evt.Str("stage", "reported").Msg("Batch run report")

	rec := metrics.New(metrics.Namespace).
		Dimension("Pipeline", variant).
		Metric("RecordsTotal", float64(r.Total), metrics.UnitCount).
		Metric("RecordsSucceeded", float64(r.Succeeded), metrics.UnitCount).
		Metric("RecordsFailed", float64(r.Failed), metrics.UnitCount).
		Metric("BatchLatencyMs", float64(r.Duration.Milliseconds()), metrics.UnitMilliseconds).
		Property("batchId", r.BatchID).
		Property("runId", r.RunID).
		Property("status", string(r.Status))
	if extra != nil {
		extra(rec)
	}
	rec.Flush()
}
