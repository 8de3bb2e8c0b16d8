// Package classify turns a free-text visit note into one of three risk
// labels by prompting a text model and parsing the reply defensively.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opencare/visit-insights/internal/inference"
)

// Label is the three-valued risk classification.
type Label string

const (
	LabelRed   Label = "red"
	LabelAmber Label = "amber"
	LabelGreen Label = "green"
)

// allLabels in reply-scan order. Order only matters for deterministic
// multiple-token detection.
var allLabels = []Label{LabelRed, LabelAmber, LabelGreen}

// Valid reports whether l is one of the three risk labels.
func (l Label) Valid() bool {
	return l == LabelRed || l == LabelAmber || l == LabelGreen
}

// ClassificationError records a classification that had to fall back: the
// model reply contained zero or multiple label tokens, or the call failed.
// The batch is never aborted for one of these; the error is surfaced for
// metrics and the run report.
type ClassificationError struct {
	Reason string
	Reply  string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("classification failed: %s", e.Reason)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Result is one classification outcome. Fallback marks results substituted
// for an unparseable reply or a failed call, so audits can distinguish them
// from genuine model output.
type Result struct {
	Label    Label
	Fallback bool
}

// Config controls classification behavior.
type Config struct {
	// FallbackLabel is substituted when the model reply cannot be
	// confidently parsed. Amber is the conservative middle ground.
	FallbackLabel Label

	// MaxTokens and Temperature tune the model call. The reply is a single
	// label token, so the defaults are tiny.
	MaxTokens   int
	Temperature float64
}

// DefaultConfig returns the production classification settings.
func DefaultConfig() Config {
	return Config{
		FallbackLabel: LabelAmber,
		MaxTokens:     10,
		Temperature:   0.1,
	}
}

// Classifier classifies visit notes via an injected model invoker.
type Classifier struct {
	invoker inference.Invoker
	cfg     Config
}

// New creates a Classifier. Zero-value config fields are normalized
// independently: an invalid FallbackLabel becomes amber so a fallback result
// is never empty, and unset model parameters take the defaults.
func New(invoker inference.Invoker, cfg Config) *Classifier {
	defaults := DefaultConfig()
	if !cfg.FallbackLabel.Valid() {
		cfg.FallbackLabel = defaults.FallbackLabel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaults.Temperature
	}
	return &Classifier{invoker: invoker, cfg: cfg}
}

// Prompt returns the fixed instructional prompt for note. Exported so the
// operator CLI can show exactly what the model sees.
func Prompt(note string) string {
	return fmt.Sprintf(`You are a healthcare professional reviewing care visit notes. Please classify the following visit note into one of three categories based on the level of concern:

RED: Urgent/critical issues requiring immediate attention (safety concerns, medical emergencies, serious incidents, safeguarding issues)
AMBER: Moderate concerns that need follow-up (minor health changes, care plan adjustments needed, family concerns)
GREEN: Routine visit with no significant concerns (normal care delivery, positive outcomes, standard activities)

Visit Note: "%s"

Classification (respond with only RED, AMBER, or GREEN):`, strings.TrimSpace(note))
}

// Classify sends note to the model and parses the reply. An empty note is
// routine by definition and never reaches the model. On an unparseable reply
// or a failed call the returned Result carries the fallback label with
// Fallback set, alongside a *ClassificationError — the caller records the
// error but the result is still usable.
func (c *Classifier) Classify(ctx context.Context, note string) (Result, error) {
	if strings.TrimSpace(note) == "" {
		log.Warn().Msg("Empty note — classifying as green without model call")
		return Result{Label: LabelGreen}, nil
	}

	reply, err := c.invoker.Invoke(ctx, Prompt(note), inference.Params{
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return Result{Label: c.cfg.FallbackLabel, Fallback: true},
			&ClassificationError{Reason: "model call failed", Err: err}
	}

	label, perr := ParseReply(reply)
	if perr != nil {
		log.Warn().Str("reply", reply).Str("fallback", string(c.cfg.FallbackLabel)).Msg("Unparseable classification reply")
		return Result{Label: c.cfg.FallbackLabel, Fallback: true}, perr
	}
	return Result{Label: label}, nil
}

// ParseReply extracts the risk label from a raw model reply. The reply is
// trimmed and lowercased, then must contain exactly one of the three label
// tokens. Zero or multiple tokens is a *ClassificationError.
func ParseReply(reply string) (Label, *ClassificationError) {
	normalized := strings.ToLower(strings.TrimSpace(reply))

	var found []Label
	for _, l := range allLabels {
		if strings.Contains(normalized, string(l)) {
			found = append(found, l)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", &ClassificationError{Reason: "reply contains no risk label", Reply: reply}
	default:
		return "", &ClassificationError{Reason: "reply contains multiple risk labels", Reply: reply}
	}
}
