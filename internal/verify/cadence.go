package verify

import "github.com/andresmejia3/facegate/internal/types"

// Cached is a value with a refresh policy: it is reloaded only when the caller says a refresh
// is due, and served from memory otherwise. A failed reload invalidates the old value.
type Cached[T any] struct {
	value T
	valid bool
}

// Get returns the cached value, reloading it first when due. ok is false when no valid value
// exists. refreshed reports whether load ran.
func (c *Cached[T]) Get(due bool, load func() (T, error)) (v T, ok, refreshed bool, err error) {
	if due {
		fresh, err := load()
		if err != nil {
			c.Invalidate()
			return v, false, true, err
		}
		c.value, c.valid = fresh, true
		return fresh, true, true, nil
	}
	return c.value, c.valid, false, nil
}

func (c *Cached[T]) Invalidate() {
	var zero T
	c.value, c.valid = zero, false
}

// CadenceController numbers processed frames and decides when the person detector runs:
// only on frames whose sequence number is a multiple of the cadence. In between, the last
// DetectionResult is reused, so person_count is never more than cadence-1 frames stale.
// It is owned by a single decision loop and is not safe for concurrent use.
type CadenceController struct {
	every int64
	seq   int64
	cache Cached[types.DetectionResult]
}

func NewCadenceController(every int) *CadenceController {
	if every < 1 {
		every = 1
	}
	return &CadenceController{every: int64(every)}
}

// Next hands out the sequence number for the frame about to be processed.
func (c *CadenceController) Next() int64 {
	s := c.seq
	c.seq++
	return s
}

// Due reports whether the detector runs on frame seq.
func (c *CadenceController) Due(seq int64) bool {
	return seq%c.every == 0
}

// Detection returns the DetectionResult for frame seq, invoking detect only if the frame is due.
func (c *CadenceController) Detection(seq int64, detect func() (types.DetectionResult, error)) (types.DetectionResult, bool, bool, error) {
	return c.cache.Get(c.Due(seq), detect)
}

// Reset restarts numbering and drops the cached result. Called at the start of every session.
func (c *CadenceController) Reset() {
	c.seq = 0
	c.cache.Invalidate()
}

func (c *CadenceController) Cadence() int {
	return int(c.every)
}
