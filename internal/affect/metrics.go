package affect

import "strconv"

// Trust labels, highest tier first. The two lowest tiers share a name and
// differ only in casing; the upper-case one is the more severe.
const (
	TrustSoulmate       = "Soulmate"
	TrustHigh           = "High"
	TrustSteady         = "Steady"
	TrustCritical       = "Critical"
	TrustCriticalSevere = "CRITICAL"
)

const (
	trustPerMessage      = 5
	trustMessageCap      = 50
	trustPerScorePoint   = 5
	maxTrust             = 100
	maxCriticalIntensity = 99
)

// View is the derived view model for one (window, message count) pair.
type View struct {
	Average        int    `json:"average"`
	Mood           Mood   `json:"mood"`
	Status         string `json:"status"`
	Happiness      int    `json:"happiness"`
	Sadness        int    `json:"sadness"`
	Trust          int    `json:"trust"`
	TrustLabel     string `json:"trust_label"`
	Intensity      int    `json:"intensity"`
	IntensityLabel string `json:"intensity_label"`
}

// Evaluate computes the full view model. It reads w but never mutates it.
func Evaluate(w *Window, messageCount int) View {
	avg := NeutralScore
	if w != nil {
		avg = w.Average()
	}
	return EvaluateScore(avg, messageCount)
}

// EvaluateScore computes the view model from an already rounded average.
func EvaluateScore(avg, messageCount int) View {
	mood := MoodFor(avg)
	sadness := Sadness(avg)
	trust := Trust(avg, messageCount)
	intensity := Intensity(mood, sadness)
	return View{
		Average:        avg,
		Mood:           mood,
		Status:         mood.Status(),
		Happiness:      Happiness(avg),
		Sadness:        sadness,
		Trust:          trust,
		TrustLabel:     TrustLabelFor(trust),
		Intensity:      intensity,
		IntensityLabel: IntensityLabel(mood, sadness),
	}
}

// Happiness rescales the average to 0–100.
func Happiness(avg int) int {
	return round(float64(avg) * 10)
}

// Sadness rescales the distance from a perfect score to 0–100. It is
// computed on its own and is not 100 - Happiness.
func Sadness(avg int) int {
	return round(float64(10-avg) * 10)
}

// Trust grows with conversation length (capped at 50, reached after ten
// messages) plus five points per point of average sentiment, clamped to
// [0, 100].
func Trust(avg, messageCount int) int {
	base := min(messageCount*trustPerMessage, trustMessageCap)
	t := min(round(float64(base)+float64(avg)*trustPerScorePoint), maxTrust)
	return max(t, 0)
}

// TrustLabelFor names the trust tier.
func TrustLabelFor(trust int) string {
	switch {
	case trust >= 90:
		return TrustSoulmate
	case trust >= 70:
		return TrustHigh
	case trust >= 50:
		return TrustSteady
	case trust >= 20:
		return TrustCritical
	default:
		return TrustCriticalSevere
	}
}

// Intensity is the secondary bar value shown for each mood. Critical never
// reaches a full bar.
func Intensity(mood Mood, sadness int) int {
	switch mood {
	case MoodEcstatic:
		return 100
	case MoodPositive:
		return max(2, sadness)
	case MoodDistressed:
		return min(sadness+20, 100)
	case MoodCritical:
		return min(sadness+30, maxCriticalIntensity)
	default:
		return sadness
	}
}

// IntensityLabel renders the bar value as text. The positive state shows
// the raw sadness rather than its floored bar value.
func IntensityLabel(mood Mood, sadness int) string {
	switch mood {
	case MoodEcstatic:
		return "MAX!"
	case MoodPositive:
		return strconv.Itoa(sadness) + "%"
	default:
		return strconv.Itoa(Intensity(mood, sadness)) + "%"
	}
}
