package engine

import "time"

// HistoryLength is the number of frames each statistics series retains
// before the oldest value is evicted.
const HistoryLength = 128

// Statistics holds fixed-size histories of per-frame timings. The newest
// value of every series sits at index 0 with older values behind it. All
// writes and reads happen on the render thread, so no locking is needed;
// single-writer read-after-write ordering is the only guarantee given.
type Statistics struct {
	// Frametimes contains the whole-frame delta times in seconds.
	Frametimes [HistoryLength]float64

	// DrawTimes contains the time spent in the draw and draw-2D stages.
	DrawTimes [HistoryLength]float64

	// SyncTimes contains the time spent in the cluster barrier stages.
	SyncTimes [HistoryLength]float64

	// LoopTimeMin and LoopTimeMax contain the shortest and longest single
	// network wait observed inside the barrier each frame.
	LoopTimeMin [HistoryLength]float64
	LoopTimeMax [HistoryLength]float64

	samples int
	prev    time.Time
}

// RecordFrame pushes the delta time between this timestamp and the previous
// call. The first call records a zero delta.
func (s *Statistics) RecordFrame(now time.Time) {
	var dt float64
	if !s.prev.IsZero() {
		dt = now.Sub(s.prev).Seconds()
	}
	s.prev = now

	push(&s.Frametimes, dt)
	if s.samples < HistoryLength {
		s.samples++
	}
}

// RecordDraw pushes the time spent drawing the current frame.
func (s *Statistics) RecordDraw(d time.Duration) {
	push(&s.DrawTimes, d.Seconds())
}

// RecordSync pushes the time spent in the cluster barrier this frame.
func (s *Statistics) RecordSync(d time.Duration) {
	push(&s.SyncTimes, d.Seconds())
}

// RecordLoopBounds pushes the shortest and longest network wait of the
// current frame's barrier rounds.
func (s *Statistics) RecordLoopBounds(min, max time.Duration) {
	push(&s.LoopTimeMin, min.Seconds())
	push(&s.LoopTimeMax, max.Seconds())
}

// Samples returns how many frame entries are currently populated, up to
// HistoryLength.
func (s *Statistics) Samples() int { return s.samples }

// Dt returns the newest frame time in seconds.
func (s *Statistics) Dt() float64 { return s.Frametimes[0] }

// AvgDt returns the average frame time over the populated window.
func (s *Statistics) AvgDt() float64 {
	if s.samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < s.samples; i++ {
		sum += s.Frametimes[i]
	}
	return sum / float64(s.samples)
}

// MinDt returns the smallest frame time in the populated window.
func (s *Statistics) MinDt() float64 {
	if s.samples == 0 {
		return 0
	}
	min := s.Frametimes[0]
	for i := 1; i < s.samples; i++ {
		if s.Frametimes[i] < min {
			min = s.Frametimes[i]
		}
	}
	return min
}

// MaxDt returns the largest frame time in the populated window.
func (s *Statistics) MaxDt() float64 {
	if s.samples == 0 {
		return 0
	}
	max := s.Frametimes[0]
	for i := 1; i < s.samples; i++ {
		if s.Frametimes[i] > max {
			max = s.Frametimes[i]
		}
	}
	return max
}

// push shifts the series one slot towards the back and stores the new value
// at the front, evicting the entry HistoryLength frames old.
func push(series *[HistoryLength]float64, v float64) {
	copy(series[1:], series[:HistoryLength-1])
	series[0] = v
}
