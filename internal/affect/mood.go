// Package affect derives Iri's mood, trust and display values from a
// rolling window of sentiment scores.
//
// Everything here is pure: the same window and message count always
// produce the same View.
package affect

// Mood is a discrete affect bucket derived from the rolling average score.
type Mood string

const (
	// MoodCritical is the most negative state (average below 2).
	MoodCritical Mood = "critical"
	// MoodDistressed covers averages 2 and 3.
	MoodDistressed Mood = "distressed"
	// MoodNeutral covers averages 4 and 5, and the empty window.
	MoodNeutral Mood = "neutral"
	// MoodPositive covers averages 6 and 7.
	MoodPositive Mood = "positive"
	// MoodEcstatic is the most positive state (average 8 and above).
	MoodEcstatic Mood = "ecstatic"
)

// Moods lists every state from most negative to most positive.
var Moods = []Mood{MoodCritical, MoodDistressed, MoodNeutral, MoodPositive, MoodEcstatic}

// MoodFor maps a rounded average score to its mood.
func MoodFor(score int) Mood {
	switch {
	case score >= 8:
		return MoodEcstatic
	case score >= 6:
		return MoodPositive
	case score >= 4:
		return MoodNeutral
	case score >= 2:
		return MoodDistressed
	default:
		return MoodCritical
	}
}

// Rank returns the position of m in Moods, or -1 for an unknown value.
func (m Mood) Rank() int {
	for i, v := range Moods {
		if v == m {
			return i
		}
	}
	return -1
}

// Valid reports whether m is one of the five defined states.
func (m Mood) Valid() bool {
	return m.Rank() >= 0
}

// Status is the short status word shown next to the pet.
func (m Mood) Status() string {
	switch m {
	case MoodEcstatic:
		return "BEAMING"
	case MoodPositive:
		return "Blooming"
	case MoodNeutral:
		return "Stable"
	case MoodDistressed:
		return "Unwell"
	default:
		return "Critical"
	}
}
