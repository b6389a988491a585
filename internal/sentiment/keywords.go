package sentiment

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/iri/internal/affect"
	"github.com/ashureev/iri/internal/shared"
)

type weightedKeyword struct {
	keyword string
	weight  int
}

// KeywordScorer is an offline Classifier that scores text by weighted
// keyword hits around the neutral midpoint. It backs mock mode and keeps
// the pet usable without an upstream model.
type KeywordScorer struct {
	kind  []weightedKeyword
	cruel []weightedKeyword
}

// Ensure KeywordScorer implements Classifier.
var _ Classifier = (*KeywordScorer)(nil)

// NewKeywordScorer creates a scorer with the built-in English patterns.
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{
		kind:  defaultKindPatterns(),
		cruel: defaultCruelPatterns(),
	}
}

func defaultKindPatterns() []weightedKeyword {
	return []weightedKeyword{
		// Strong affection
		{"i love you", 4}, {"kindest", 4}, {"incredible person", 4},
		{"made my whole day", 4}, {"so grateful", 4}, {"lucky to have you", 4},
		// Praise
		{"fantastic", 3}, {"impressive", 3}, {"appreciate", 3}, {"great energy", 3},
		{"proud", 3}, {"thank you so much", 3},
		// Mild warmth, low weight
		{"thanks", 1}, {"thank you", 1}, {"nice", 2}, {"good point", 2},
		{"turned out well", 2}, {"sure, that works", 1}, {"great", 2}, {"awesome", 2},
	}
}

func defaultCruelPatterns() []weightedKeyword {
	return []weightedKeyword{
		// Cruelty
		{"worthless", 5}, {"nobody will ever care", 5}, {"hope everything goes wrong", 4},
		{"dumbest", 4}, {"shut up", 4}, {"nobody asked", 3}, {"hate you", 5},
		// Harsh criticism
		{"sloppy", 3}, {"embarrassing", 3}, {"useless", 3}, {"terrible", 3},
		// Mild disapproval
		{"don't like", 2}, {"not good enough", 2}, {"try harder", 2},
		{"could have done better", 2}, {"disagree", 1}, {"not really what", 1},
	}
}

// Classify scores text. It only fails for blank input.
func (k *KeywordScorer) Classify(_ context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("classify sentiment: text is required: %w", shared.ErrInvalidInput)
	}
	return k.Score(text), nil
}

// Score returns the keyword score for text.
func (k *KeywordScorer) Score(text string) int {
	lower := strings.ToLower(text)

	kind := sumHits(lower, k.kind)
	cruel := sumHits(lower, k.cruel)
	delta := kind - cruel

	// Exclamation boost: >=2 marks push the dominant direction one step further.
	if strings.Count(text, "!") >= 2 {
		switch {
		case delta > 0:
			delta++
		case delta < 0:
			delta--
		}
	}

	return affect.ClampScore(affect.NeutralScore + delta)
}

func sumHits(lower string, keywords []weightedKeyword) int {
	total := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw.keyword) {
			total += kw.weight
		}
	}
	return total
}
