package resultstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo scripts BatchWriteItem responses per call.
type fakeDynamo struct {
	inputs  []*dynamodb.BatchWriteItemInput
	handler func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	call := len(f.inputs)
	f.inputs = append(f.inputs, in)
	return f.handler(call, in)
}

func allOK(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func testConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func makeItems(n int) []ClassificationItem {
	items := make([]ClassificationItem, n)
	for i := range items {
		items[i] = ClassificationItem{
			BatchID:          "batch-1",
			RecordIndex:      i,
			AIClassification: "green",
			Note:             fmt.Sprintf("note %d", i),
			Timestamp:        "2026-08-21T10:00:00Z",
		}
	}
	return items
}

func requestCount(in *dynamodb.BatchWriteItemInput, table string) int {
	return len(in.RequestItems[table])
}

func TestWriteClassifications_ChunksAtStoreLimit(t *testing.T) {
	fake := &fakeDynamo{handler: allOK}
	store := New(fake, "carelogs", "", testConfig())

	report := store.WriteClassifications(context.Background(), makeItems(30))

	if len(fake.inputs) != 2 {
		t.Fatalf("expected 2 write calls for 30 items, got %d", len(fake.inputs))
	}
	if n := requestCount(fake.inputs[0], "carelogs"); n != 25 {
		t.Errorf("first chunk should hold 25 items, got %d", n)
	}
	if n := requestCount(fake.inputs[1], "carelogs"); n != 5 {
		t.Errorf("second chunk should hold 5 items, got %d", n)
	}
	if report.Written != 30 || len(report.Failed) != 0 {
		t.Errorf("expected 30 written / 0 failed, got %d/%d", report.Written, len(report.Failed))
	}
}

func TestWrite_RejectedChunkRetriedOnce(t *testing.T) {
	fake := &fakeDynamo{}
	fake.handler = func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		// Second chunk fully rejected on its first attempt, accepted on retry.
		if call == 1 {
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]types.WriteRequest{"carelogs": in.RequestItems["carelogs"]},
			}, nil
		}
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	store := New(fake, "carelogs", "", testConfig())

	report := store.WriteClassifications(context.Background(), makeItems(30))

	if len(fake.inputs) != 3 {
		t.Fatalf("expected 3 write calls (2 chunks + 1 retry), got %d", len(fake.inputs))
	}
	if n := requestCount(fake.inputs[2], "carelogs"); n != 5 {
		t.Errorf("retry should resubmit only the 5 rejected items, got %d", n)
	}
	if report.Written != 30 || len(report.Failed) != 0 {
		t.Errorf("expected 30 written / 0 failed, got %d/%d", report.Written, len(report.Failed))
	}
}

func TestWrite_PartialRejectionRetriesSubsetOnly(t *testing.T) {
	fake := &fakeDynamo{}
	fake.handler = func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		if call == 0 {
			// Reject the last 2 of the chunk.
			reqs := in.RequestItems["carelogs"]
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]types.WriteRequest{"carelogs": reqs[len(reqs)-2:]},
			}, nil
		}
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	store := New(fake, "carelogs", "", testConfig())

	report := store.WriteClassifications(context.Background(), makeItems(10))

	if len(fake.inputs) != 2 {
		t.Fatalf("expected 2 write calls, got %d", len(fake.inputs))
	}
	if n := requestCount(fake.inputs[1], "carelogs"); n != 2 {
		t.Errorf("retry should hold only the 2 rejected items, got %d", n)
	}
	if report.Written != 10 || len(report.Failed) != 0 {
		t.Errorf("expected 10 written / 0 failed, got %d/%d", report.Written, len(report.Failed))
	}
}

func TestWrite_RetriesExhaustedSurfacesItems(t *testing.T) {
	fake := &fakeDynamo{}
	fake.handler = func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		return &dynamodb.BatchWriteItemOutput{
			UnprocessedItems: map[string][]types.WriteRequest{"carelogs": in.RequestItems["carelogs"]},
		}, nil
	}
	store := New(fake, "carelogs", "", testConfig())

	report := store.WriteClassifications(context.Background(), makeItems(3))

	if len(fake.inputs) != 3 {
		t.Fatalf("expected MaxAttempts (3) write calls, got %d", len(fake.inputs))
	}
	if report.Written != 0 {
		t.Errorf("expected 0 written, got %d", report.Written)
	}
	if len(report.Failed) != 3 {
		t.Fatalf("expected 3 surfaced failures, got %d", len(report.Failed))
	}
	seen := map[int]bool{}
	for _, f := range report.Failed {
		seen[f.RecordIndex] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[i] {
			t.Errorf("record index %d missing from failure list", i)
		}
	}
}

func TestWrite_CallErrorFailsChunkAfterRetries(t *testing.T) {
	fake := &fakeDynamo{}
	fake.handler = func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		return nil, errors.New("throughput exceeded")
	}
	store := New(fake, "carelogs", "", Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	report := store.WriteClassifications(context.Background(), makeItems(4))

	if len(fake.inputs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(fake.inputs))
	}
	if len(report.Failed) != 4 {
		t.Errorf("expected all 4 items surfaced, got %d", len(report.Failed))
	}
}

func TestWrite_IdempotentKeyShape(t *testing.T) {
	fake := &fakeDynamo{handler: allOK}
	store := New(fake, "carelogs", "", testConfig())

	items := makeItems(1)
	store.WriteClassifications(context.Background(), items)
	store.WriteClassifications(context.Background(), items)

	if len(fake.inputs) != 2 {
		t.Fatalf("expected 2 write calls, got %d", len(fake.inputs))
	}
	// Both runs must produce plain PutRequests with identical key attributes:
	// a full-item replace on (batch_id, record_index), so a re-run overwrites
	// rather than duplicates.
	var keys []string
	for _, in := range fake.inputs {
		req := in.RequestItems["carelogs"][0]
		if req.PutRequest == nil {
			t.Fatal("expected a PutRequest")
		}
		b := req.PutRequest.Item["batch_id"].(*types.AttributeValueMemberS).Value
		r := req.PutRequest.Item["record_index"].(*types.AttributeValueMemberN).Value
		keys = append(keys, b+"/"+r)
	}
	if keys[0] != keys[1] {
		t.Errorf("idempotency key changed across runs: %s vs %s", keys[0], keys[1])
	}
}

func TestWriteSummaries_FailureCarriesClient(t *testing.T) {
	fake := &fakeDynamo{}
	fake.handler = func(call int, in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		return &dynamodb.BatchWriteItemOutput{
			UnprocessedItems: map[string][]types.WriteRequest{"summaries": in.RequestItems["summaries"]},
		}, nil
	}
	store := New(fake, "", "summaries", Config{MaxAttempts: 2, BaseDelay: time.Millisecond})

	report := store.WriteSummaries(context.Background(), []SummaryItem{
		{BatchID: "batch-1", Client: "Beth", SummaryText: "stable", SourceRecordCount: 2},
	})

	if len(report.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failed))
	}
	f := report.Failed[0]
	if f.Client != "Beth" || f.RecordIndex != -1 {
		t.Errorf("unexpected failure identity: %+v", f)
	}
}

func TestWrite_NoItemsNoCalls(t *testing.T) {
	fake := &fakeDynamo{handler: allOK}
	store := New(fake, "carelogs", "", testConfig())

	report := store.WriteClassifications(context.Background(), nil)
	if len(fake.inputs) != 0 {
		t.Errorf("expected no write calls, got %d", len(fake.inputs))
	}
	if report.Written != 0 || len(report.Failed) != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}
