// Package slidingwindow holds the bucket arithmetic shared by the rate limiter backends.
// A window of length W is approximated by the current fixed bucket plus the
// previous bucket weighted by how much of it still overlaps [now-W, now].
package slidingwindow

import "time"

type Window struct {
	Bucket  int64
	Start   time.Time
	Reset   time.Time
	Elapsed float64 // fraction of the current bucket already passed, in [0,1)
}

func At(now time.Time, window time.Duration) Window {
	w := window.Milliseconds()
	bucket := now.UnixMilli() / w
	start := time.UnixMilli(bucket * w)
	return Window{
		Bucket:  bucket,
		Start:   start,
		Reset:   start.Add(window),
		Elapsed: float64(now.Sub(start)) / float64(window),
	}
}

// Weight is the share of the previous bucket's count still inside the window.
func (w Window) Weight(prev int) int {
	return int(float64(prev) * (1 - w.Elapsed))
}

// Budget is how many more requests the current bucket may accept.
func (w Window) Budget(limit, prev int) int {
	return limit - w.Weight(prev)
}
