package affect

import "math"

const (
	// DefaultWindowSize is how many completed scores feed the rolling average.
	DefaultWindowSize = 5
	// NeutralScore is the average reported for an empty window.
	NeutralScore = 5
	// MinScore and MaxScore bound a single sentiment sample.
	MinScore = 0
	MaxScore = 10
)

// Window is a fixed-size ring of the most recent sentiment scores, in the
// order they arrived. Once full, each Push overwrites the oldest sample.
//
// Window is not safe for concurrent use; the owning session serializes
// access.
type Window struct {
	buf  []int
	size int
	head int // next write position
	n    int
}

// NewWindow creates a window holding at most size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		buf:  make([]int, size),
		size: size,
	}
}

// WindowOf builds a window from samples in arrival order. Only the last
// size samples are retained.
func WindowOf(size int, samples ...int) *Window {
	w := NewWindow(size)
	for _, s := range samples {
		w.Push(s)
	}
	return w
}

// Push appends a sample, evicting the oldest when the window is full.
// The caller is expected to have clamped s to [MinScore, MaxScore].
func (w *Window) Push(s int) {
	w.buf[w.head] = s
	w.head = (w.head + 1) % w.size
	if w.n < w.size {
		w.n++
	}
}

// Scores returns the retained samples, oldest first.
func (w *Window) Scores() []int {
	out := make([]int, w.n)
	start := (w.head - w.n + w.size) % w.size
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(start+i)%w.size]
	}
	return out
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	return w.n
}

// Capacity returns the maximum number of retained samples.
func (w *Window) Capacity() int {
	return w.size
}

// Reset drops every sample.
func (w *Window) Reset() {
	w.head = 0
	w.n = 0
}

// Average returns the rounded mean of the retained samples, or NeutralScore
// when the window is empty.
func (w *Window) Average() int {
	if w.n == 0 {
		return NeutralScore
	}
	sum := 0
	for _, s := range w.Scores() {
		sum += s
	}
	return round(float64(sum) / float64(w.n))
}

// ClampScore pins s to [MinScore, MaxScore].
func ClampScore(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

// round rounds to the nearest integer with halves going up, which is the
// rounding the mood thresholds were tuned against.
func round(x float64) int {
	return int(math.Floor(x + 0.5))
}
