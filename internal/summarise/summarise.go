// Package summarise produces a prose summary across one client's visit
// notes within a batch. Notes are grouped by client, ordered chronologically,
// and fed to a text model with a fixed clinical-summary prompt.
package summarise

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/extract"
	"github.com/opencare/visit-insights/internal/inference"
)

// UnknownClient is the grouping key for records whose client field was
// missing from the upload.
const UnknownClient = "Unknown"

// SummarizationError indicates one client's summary could not be produced:
// the note group was empty, or the model returned an empty/error reply.
// Per-client, never batch-fatal.
type SummarizationError struct {
	Client string
	Reason string
	Err    error
}

func (e *SummarizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("summarisation failed for client %q: %s: %v", e.Client, e.Reason, e.Err)
	}
	return fmt.Sprintf("summarisation failed for client %q: %s", e.Client, e.Reason)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// Group is one client's notes within a batch, chronological, empty notes
// dropped.
type Group struct {
	Client          string
	Notes           []string
	SourceCount     int
	LatestVisitDate string
}

// Config controls summary generation.
type Config struct {
	MaxTokens   int
	Temperature float64
}

// DefaultConfig returns the production summary settings. The prompt asks for
// at most 150 words; 200 tokens leaves headroom.
func DefaultConfig() Config {
	return Config{MaxTokens: 200, Temperature: 0.3}
}

// Summariser generates per-client summaries via an injected model invoker.
type Summariser struct {
	invoker inference.Invoker
	cfg     Config
}

// New creates a Summariser. Zero-value config fields are normalized
// independently so an explicit Temperature survives an unset MaxTokens.
func New(invoker inference.Invoker, cfg Config) *Summariser {
	defaults := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaults.Temperature
	}
	return &Summariser{invoker: invoker, cfg: cfg}
}

// GroupByClient partitions a batch's records into per-client note groups.
// Within a group records are sorted by visit_date ascending (date strings
// are ISO-style, so lexicographic order is chronological) and empty notes
// are dropped. Group order follows first appearance in the batch so output
// is deterministic.
func GroupByClient(records []extract.VisitRecord) []Group {
	byClient := make(map[string][]extract.VisitRecord)
	var order []string

	for _, r := range records {
		client := r.Client
		if client == "" {
			client = UnknownClient
		}
		if _, seen := byClient[client]; !seen {
			order = append(order, client)
		}
		byClient[client] = append(byClient[client], r)
	}

	groups := make([]Group, 0, len(order))
	for _, client := range order {
		recs := byClient[client]
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].VisitDate < recs[j].VisitDate
		})

		g := Group{Client: client, SourceCount: len(recs)}
		for _, r := range recs {
			if note := strings.TrimSpace(r.Note); note != "" {
				g.Notes = append(g.Notes, note)
			}
			if r.VisitDate > g.LatestVisitDate {
				g.LatestVisitDate = r.VisitDate
			}
		}
		groups = append(groups, g)
	}
	return groups
}

// Prompt returns the fixed summary prompt for a chronological note group.
// Exported so the operator CLI can show exactly what the model sees.
func Prompt(notes []string) string {
	var b strings.Builder
	for i, note := range notes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, note)
	}
	return fmt.Sprintf(`You are a healthcare professional summarising a client's home-care visit notes. Provide a concise summary (max 150 words) that highlights changes, concerns, and any trends over time. Use clear, professional language.

Visit Notes (oldest to newest):
%s
Summary:`, b.String())
}

// Summarise generates a summary for one client's chronological notes.
// Returns *SummarizationError on an empty note group or an empty/error
// reply from the model.
func (s *Summariser) Summarise(ctx context.Context, client string, notes []string) (string, error) {
	if len(notes) == 0 {
		return "", &SummarizationError{Client: client, Reason: "no notes to summarise"}
	}

	reply, err := s.invoker.Invoke(ctx, Prompt(notes), inference.Params{
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", &SummarizationError{Client: client, Reason: "model call failed", Err: err}
	}

	summary := strings.TrimSpace(reply)
	if summary == "" {
		return "", &SummarizationError{Client: client, Reason: "model returned empty summary"}
	}

	log.Debug().Str("client", client).Int("notes", len(notes)).Int("summaryLen", len(summary)).Msg("Client notes summarised")
	return summary, nil
}
