package summarise

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opencare/visit-insights/internal/extract"
	"github.com/opencare/visit-insights/internal/inference"
)

type fakeInvoker struct {
	reply      string
	err        error
	calls      int
	lastParams inference.Params
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string, params inference.Params) (string, error) {
	f.calls++
	f.lastParams = params
	return f.reply, f.err
}

func TestGroupByClient(t *testing.T) {
	records := []extract.VisitRecord{
		{Client: "Beth", VisitDate: "2026-08-03", Note: "third"},
		{Client: "Adam", VisitDate: "2026-08-01", Note: "adam one"},
		{Client: "Beth", VisitDate: "2026-08-01", Note: "first"},
		{Client: "", VisitDate: "2026-08-02", Note: "no client"},
		{Client: "Beth", VisitDate: "2026-08-02", Note: "  "},
	}

	groups := GroupByClient(records)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}

	// First-appearance order.
	if groups[0].Client != "Beth" || groups[1].Client != "Adam" || groups[2].Client != UnknownClient {
		t.Errorf("unexpected group order: %s, %s, %s", groups[0].Client, groups[1].Client, groups[2].Client)
	}

	beth := groups[0]
	if beth.SourceCount != 3 {
		t.Errorf("expected Beth source count 3, got %d", beth.SourceCount)
	}
	// Empty note dropped, remaining in chronological order.
	if len(beth.Notes) != 2 || beth.Notes[0] != "first" || beth.Notes[1] != "third" {
		t.Errorf("unexpected Beth notes: %v", beth.Notes)
	}
	if beth.LatestVisitDate != "2026-08-03" {
		t.Errorf("expected latest visit 2026-08-03, got %s", beth.LatestVisitDate)
	}
}

func TestPrompt_NumbersNotesChronologically(t *testing.T) {
	p := Prompt([]string{"first note", "second note"})
	if !strings.Contains(p, "1. first note") || !strings.Contains(p, "2. second note") {
		t.Errorf("prompt missing numbered notes:\n%s", p)
	}
	if !strings.Contains(p, "oldest to newest") {
		t.Errorf("prompt missing chronology hint")
	}
}

func TestSummarise_TrimsReply(t *testing.T) {
	inv := &fakeInvoker{reply: "  Stable week overall.\n"}
	s := New(inv, DefaultConfig())

	got, err := s.Summarise(context.Background(), "Beth", []string{"a note"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Stable week overall." {
		t.Errorf("expected trimmed summary, got %q", got)
	}
}

func TestSummarise_EmptyGroupFails(t *testing.T) {
	inv := &fakeInvoker{reply: "unused"}
	s := New(inv, DefaultConfig())

	_, err := s.Summarise(context.Background(), "Beth", nil)
	var serr *SummarizationError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SummarizationError, got %v", err)
	}
	if inv.calls != 0 {
		t.Errorf("expected no model call for empty group, got %d", inv.calls)
	}
}

func TestSummarise_EmptyReplyFails(t *testing.T) {
	inv := &fakeInvoker{reply: "   "}
	s := New(inv, DefaultConfig())

	_, err := s.Summarise(context.Background(), "Beth", []string{"a note"})
	var serr *SummarizationError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SummarizationError, got %v", err)
	}
}

func TestNew_PartialConfigKeepsExplicitFields(t *testing.T) {
	inv := &fakeInvoker{reply: "A quiet week."}
	s := New(inv, Config{Temperature: 0.9})

	if _, err := s.Summarise(context.Background(), "Beth", []string{"a note"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.lastParams.Temperature != 0.9 {
		t.Errorf("explicit temperature lost: got %v", inv.lastParams.Temperature)
	}
	if inv.lastParams.MaxTokens != DefaultConfig().MaxTokens {
		t.Errorf("expected default max tokens, got %d", inv.lastParams.MaxTokens)
	}
}

func TestSummarise_InvokeErrorFails(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("throttled")}
	s := New(inv, DefaultConfig())

	_, err := s.Summarise(context.Background(), "Beth", []string{"a note"})
	var serr *SummarizationError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SummarizationError, got %v", err)
	}
}
