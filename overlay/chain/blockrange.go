package chain

import (
	"math"
	"time"
)

// BlockRange is a stateful iterator over integer block intervals, adaptively
// sized to converge on TargetTime per window.
type BlockRange struct {
	from       int64
	to         *int64
	cursor     int64 // next window's starting edge
	lastEdge   int64 // starting edge of the most recently emitted window
	stepSize   int64
	minSize    int64
	maxSize    int64
	reverse    bool
	targetTime float64
	started    bool
}

// Config parameterizes a BlockRange. From is always required. To is required
// when Reverse is set (a reverse range walks from To down to From); for a
// forward range, a nil To means open-ended (never terminates on its own —
// the chain tailer rebounds it to the current head every pass).
type Config struct {
	From       int64
	To         *int64
	StartSize  int64
	MinSize    int64
	MaxSize    int64
	Reverse    bool
	TargetTime float64
}

// New constructs a BlockRange from cfg. Unset sizes default to
// start_size=100000, max_size=1000000, min_size=1, target_time=10s.
func New(cfg Config) *BlockRange {
	r := &BlockRange{
		from:       cfg.From,
		to:         cfg.To,
		stepSize:   cfg.StartSize,
		minSize:    cfg.MinSize,
		maxSize:    cfg.MaxSize,
		reverse:    cfg.Reverse,
		targetTime: cfg.TargetTime,
	}
	if r.stepSize == 0 {
		r.stepSize = 100000
	}
	if r.minSize == 0 {
		r.minSize = 1
	}
	if r.maxSize == 0 {
		r.maxSize = 1000000
	}
	if r.targetTime == 0 {
		r.targetTime = 10.0
	}
	if r.reverse {
		if r.to == nil {
			panic("chain: reverse BlockRange requires To")
		}
		r.cursor = *r.to
	} else {
		r.cursor = r.from
	}
	return r
}

// Rebound updates the upper terminating edge used by Next, without
// resetting the cursor or the adaptive step size. The chain tailer calls
// this once per pass to clip the range end to the current head block.
func (r *BlockRange) Rebound(to *int64) {
	r.to = to
}

// StepSize returns the current adaptive window size.
func (r *BlockRange) StepSize() int64 { return r.stepSize }

// Cursor returns the edge the next window will start from (the watermark).
func (r *BlockRange) Cursor() int64 { return r.cursor }

// Reverse reports whether this range walks backwards toward From.
func (r *BlockRange) Reverse() bool { return r.reverse }

// Next produces the next [from, to] window. ok is false once the range is
// exhausted: for a forward range, once the cursor passes a non-nil To; for
// a reverse range, once the cursor reaches From.
func (r *BlockRange) Next() (from, to int64, ok bool) {
	if r.reverse {
		if r.cursor < r.from {
			return 0, 0, false
		}
		edgeTo := r.cursor
		edgeFrom := edgeTo - (r.stepSize - 1)
		if edgeFrom < r.from {
			edgeFrom = r.from
		}
		r.lastEdge = edgeTo
		r.cursor = edgeFrom - 1
		return edgeFrom, edgeTo, true
	}

	if r.to != nil && r.cursor > *r.to {
		return 0, 0, false
	}
	edgeFrom := r.cursor
	edgeTo := edgeFrom + r.stepSize - 1
	if r.to != nil && edgeTo > *r.to {
		edgeTo = *r.to
	}
	r.lastEdge = edgeFrom
	r.cursor = edgeTo + 1
	return edgeFrom, edgeTo, true
}

// Retry repositions the cursor to redo the last window emitted by Next, and
// halves StepSize (floored at MinSize). Used when a window's RPC call
// failed transiently (ChainRpcError) and must be retried with a smaller
// window.
func (r *BlockRange) Retry() {
	r.cursor = r.lastEdge
	r.stepSize = r.stepSize / 2
	if r.stepSize < r.minSize {
		r.stepSize = r.minSize
	}
}

// RecordTime rescales StepSize to converge on TargetTime seconds per
// window: step_size ← clamp(ceil(step_size * clamp(target/t, 0.5, 2.0)),
// min_size, max_size).
func (r *BlockRange) RecordTime(d time.Duration) int64 {
	t := d.Seconds()
	if t <= 0 {
		return r.stepSize
	}
	factor := r.targetTime / t
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 2.0 {
		factor = 2.0
	}
	next := int64(math.Ceil(float64(r.stepSize) * factor))
	if next < r.minSize {
		next = r.minSize
	}
	if next > r.maxSize {
		next = r.maxSize
	}
	r.stepSize = next
	return r.stepSize
}

// Fresh builds a new forward BlockRange starting at from, preserving the
// adaptive parameters (step size, bounds, target time). Used between tailer
// passes on an open-ended range.
func (r *BlockRange) Fresh(from int64) *BlockRange {
	return New(Config{
		From:       from,
		StartSize:  r.stepSize,
		MinSize:    r.minSize,
		MaxSize:    r.maxSize,
		TargetTime: r.targetTime,
	})
}
