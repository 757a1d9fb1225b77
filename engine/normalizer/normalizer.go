package normalizer

import (
	"context"
	"strings"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/pkg/logger"
)

// ClassifierVersion tags the deterministic keyword tables. Normalization is
// pure: identical input and version always produce the same outcome.
const ClassifierVersion = "v1"

// InputKind tags the origin of a reply.
type InputKind string

const (
	KindButtonAction InputKind = "button_action"
	KindTranscript   InputKind = "transcript"
	KindTextMessage  InputKind = "text_message"
)

// Input is the unified free-form reply handed to the normalizer. ActionID is
// set only for button presses; Text carries transcripts and SMS bodies.
type Input struct {
	Kind     InputKind
	ActionID string
	Text     string
}

// Classifier is the NLU collaborator consulted for ambiguous free text.
type Classifier interface {
	Classify(ctx context.Context, text string) (core.Outcome, float64, error)
}

// ButtonOutcomes is the fixed action-id table offered on interactive
// messages. Exact match, highest priority, no ambiguity possible.
var ButtonOutcomes = map[string]core.Outcome{
	"done":        core.OutcomeDone,
	"blocked":     core.OutcomeBlocked,
	"in_progress": core.OutcomeInProgress,
}

// keywordTable maps deterministic phrases to outcomes. English plus Russian,
// matching the task-tracker audience this engine grew up with.
var keywordTable = []struct {
	outcome  core.Outcome
	keywords []string
}{
	{core.OutcomeDone, []string{
		"done", "finished", "completed", "complete", "closed",
		"готово", "сделано", "выполнено", "закрыто",
	}},
	{core.OutcomeBlocked, []string{
		"blocked", "stuck", "can't", "cannot", "waiting on",
		"блок", "заблокировано", "не могу", "жду",
	}},
	{core.OutcomeInProgress, []string{
		"in progress", "working on", "started", "almost",
		"в работе", "в процессе", "делаю", "начал",
	}},
}

// Normalizer maps button ids, transcripts and SMS bodies to a canonical
// outcome. Free text runs the cheap keyword pass first; only ambiguous input
// reaches the NLU collaborator, and a low-confidence answer is never guessed.
type Normalizer struct {
	classifier Classifier
	threshold  float64
}

func New(classifier Classifier, threshold float64) *Normalizer {
	return &Normalizer{classifier: classifier, threshold: threshold}
}

func (n *Normalizer) Normalize(ctx context.Context, in Input) core.Outcome {
	if in.Kind == KindButtonAction {
		if outcome, ok := ButtonOutcomes[in.ActionID]; ok {
			return outcome
		}
		return core.OutcomeUnrecognized
	}
	text := strings.ToLower(strings.TrimSpace(in.Text))
	if text == "" {
		return core.OutcomeUnrecognized
	}
	if outcome, ok := classifyKeywords(text); ok {
		return outcome
	}
	if n.classifier == nil {
		return core.OutcomeUnrecognized
	}
	outcome, confidence, err := n.classifier.Classify(ctx, in.Text)
	if err != nil {
		logger.FromContext(ctx).Warn("nlu classification failed", "error", err)
		return core.OutcomeUnrecognized
	}
	if confidence < n.threshold || !outcome.Actionable() {
		return core.OutcomeUnrecognized
	}
	return outcome
}

func classifyKeywords(text string) (core.Outcome, bool) {
	for _, entry := range keywordTable {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.outcome, true
			}
		}
	}
	return "", false
}
