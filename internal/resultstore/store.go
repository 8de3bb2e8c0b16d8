// Package resultstore persists pipeline outcomes to DynamoDB with batched,
// idempotent writes. Classification items are keyed (batch_id, record_index)
// and summary items (batch_id, client); PutRequest is a full-item replace,
// so re-running a batch overwrites rather than duplicates.
//
// Writes are chunked to the BatchWriteItem limit. Items the store rejects
// (UnprocessedItems, typically throttling) are retried alone with bounded
// exponential backoff; whatever survives every attempt is surfaced in the
// write report, never dropped.
package resultstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
const maxBatchWrite = 25

// ClassificationItem is the persisted shape of one classified visit note.
// Attribute names are the compatibility contract for the downstream
// dashboard; do not rename them.
type ClassificationItem struct {
	BatchID          string `dynamodbav:"batch_id"`
	RecordIndex      int    `dynamodbav:"record_index"`
	AIClassification string `dynamodbav:"ai_classification"`
	Fallback         bool   `dynamodbav:"fallback"`
	Client           string `dynamodbav:"client"`
	CarePro          string `dynamodbav:"care_pro"`
	VisitDate        string `dynamodbav:"visit_date"`
	Note             string `dynamodbav:"note"`
	Timestamp        string `dynamodbav:"timestamp"`
}

// SummaryItem is the persisted shape of one per-client summary.
type SummaryItem struct {
	BatchID           string `dynamodbav:"batch_id"`
	Client            string `dynamodbav:"client"`
	SummaryText       string `dynamodbav:"summary_text"`
	SourceRecordCount int    `dynamodbav:"source_record_count"`
	LatestVisitDate   string `dynamodbav:"latest_visit_date"`
	Timestamp         string `dynamodbav:"timestamp"`
}

// WriteError indicates a chunk write failed outright (not item-level
// rejection) or items remained unwritten after every retry.
type WriteError struct {
	Table   string
	Attempt int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s (attempt %d): %v", e.Table, e.Attempt, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FailedWrite identifies one item that could not be persisted. RecordIndex
// is -1 for summary items; Client is empty for classification items.
type FailedWrite struct {
	RecordIndex int
	Client      string
	Message     string
}

// WriteReport accounts for every item handed to a write call.
type WriteReport struct {
	Written int
	Failed  []FailedWrite
}

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts is the total number of BatchWriteItem attempts per chunk,
	// including the first. Zero uses DefaultMaxAttempts.
	MaxAttempts int

	// BaseDelay is the first retry backoff; it doubles each attempt.
	// Zero uses DefaultBaseDelay.
	BaseDelay time.Duration
}

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 100 * time.Millisecond
)

// api is the slice of the DynamoDB client the store needs. Narrow so tests
// can inject a fake.
type api interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Store writes pipeline results to the configured DynamoDB tables.
type Store struct {
	client         api
	classTable     string
	summariesTable string
	cfg            Config
}

// New creates a Store. Either table name may be empty when the deployment
// only runs one of the two pipelines.
func New(client api, classificationTable, summariesTable string, cfg Config) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Store{
		client:         client,
		classTable:     classificationTable,
		summariesTable: summariesTable,
		cfg:            cfg,
	}
}

// WriteClassifications persists classification items to the classification
// table. The report accounts for every input item.
func (s *Store) WriteClassifications(ctx context.Context, items []ClassificationItem) *WriteReport {
	reqs := make([]writeItem, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, writeItem{data: it, recordIndex: it.RecordIndex})
	}
	return s.write(ctx, s.classTable, reqs)
}

// WriteSummaries persists summary items to the summaries table.
func (s *Store) WriteSummaries(ctx context.Context, items []SummaryItem) *WriteReport {
	reqs := make([]writeItem, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, writeItem{data: it, recordIndex: -1, client: it.Client})
	}
	return s.write(ctx, s.summariesTable, reqs)
}

// writeItem pairs a marshallable item with the identity surfaced on failure.
type writeItem struct {
	data        interface{}
	recordIndex int
	client      string
}

func (w writeItem) failed(msg string) FailedWrite {
	return FailedWrite{RecordIndex: w.recordIndex, Client: w.client, Message: msg}
}

// write chunks items to the BatchWriteItem limit and drives the retry loop
// per chunk.
func (s *Store) write(ctx context.Context, table string, items []writeItem) *WriteReport {
	report := &WriteReport{}
	if len(items) == 0 {
		log.Debug().Str("table", table).Msg("No items to write")
		return report
	}

	for i := 0; i < len(items); i += maxBatchWrite {
		end := i + maxBatchWrite
		if end > len(items) {
			end = len(items)
		}
		s.writeChunk(ctx, table, items[i:end], report)
	}

	log.Info().
		Str("table", table).
		Int("written", report.Written).
		Int("failed", len(report.Failed)).
		Msg("Batch write complete")
	return report
}

// writeChunk writes one ≤25-item chunk, retrying only the rejected subset
// with exponential backoff until MaxAttempts is exhausted.
func (s *Store) writeChunk(ctx context.Context, table string, chunk []writeItem, report *WriteReport) {
	// Marshal up front; a marshal failure is per-item, not per-chunk.
	pending := make([]writeItem, 0, len(chunk))
	var requests []types.WriteRequest
	for _, it := range chunk {
		av, err := attributevalue.MarshalMap(it.data)
		if err != nil {
			report.Failed = append(report.Failed, it.failed(fmt.Sprintf("marshal: %v", err)))
			continue
		}
		pending = append(pending, it)
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: av},
		})
	}

	for attempt := 1; len(requests) > 0; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{table: requests},
		})
		if err != nil {
			werr := &WriteError{Table: table, Attempt: attempt, Err: err}
			if attempt >= s.cfg.MaxAttempts || !s.backoff(ctx, attempt) {
				log.Error().Err(werr).Int("items", len(requests)).Msg("Batch write failed; surfacing unwritten items")
				for _, it := range pending {
					report.Failed = append(report.Failed, it.failed(werr.Error()))
				}
				return
			}
			log.Warn().Err(werr).Int("items", len(requests)).Msg("Batch write failed; retrying chunk")
			continue
		}

		unprocessed := out.UnprocessedItems[table]
		report.Written += len(requests) - len(unprocessed)
		if len(unprocessed) == 0 {
			return
		}

		// Keep only the rejected subset, preserving item identity for the
		// failure report.
		pending = matchUnprocessed(pending, requests, unprocessed)
		requests = unprocessed

		if attempt >= s.cfg.MaxAttempts || !s.backoff(ctx, attempt) {
			msg := fmt.Sprintf("unprocessed after %d attempts", attempt)
			log.Error().Str("table", table).Int("items", len(requests)).Msg("Retries exhausted; surfacing unwritten items")
			for _, it := range pending {
				report.Failed = append(report.Failed, it.failed(msg))
			}
			return
		}
		log.Warn().
			Str("table", table).
			Int("attempt", attempt).
			Int("rejected", len(requests)).
			Msg("Store rejected subset of chunk; retrying rejected items")
	}
}

// matchUnprocessed maps rejected WriteRequests back to their writeItems by
// position in the submitted slice. DynamoDB returns the request payloads
// verbatim, so pointer identity of the PutRequest item map is preserved.
func matchUnprocessed(pending []writeItem, submitted []types.WriteRequest, rejected []types.WriteRequest) []writeItem {
	keep := make([]writeItem, 0, len(rejected))
	for _, rej := range rejected {
		for i, sub := range submitted {
			if sub.PutRequest != nil && rej.PutRequest != nil &&
				sameItem(sub.PutRequest.Item, rej.PutRequest.Item) {
				keep = append(keep, pending[i])
				break
			}
		}
	}
	// Defensive: if the store returned items we cannot match, keep the
	// count honest by carrying the tail of pending.
	for len(keep) < len(rejected) && len(keep) < len(pending) {
		keep = append(keep, pending[len(keep)])
	}
	return keep
}

// sameItem compares the key attributes of two marshalled items.
func sameItem(a, b map[string]types.AttributeValue) bool {
	for _, attr := range []string{"batch_id", "record_index", "client"} {
		av, aok := a[attr]
		bv, bok := b[attr]
		if aok != bok {
			return false
		}
		if !aok {
			continue
		}
		if !attrEqual(av, bv) {
			return false
		}
	}
	return true
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	default:
		return false
	}
}

// backoff sleeps for the exponential delay of the given attempt. Returns
// false if the context expired first.
func (s *Store) backoff(ctx context.Context, attempt int) bool {
	delay := s.cfg.BaseDelay << (attempt - 1)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
