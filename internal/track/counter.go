package track

import (
	"fmt"
	"math"
)

// ReversalPolicy controls whether a track that crosses the line in both
// directions is counted once or once per direction.
type ReversalPolicy string

const (
	// FirstOnly counts a track's first crossing and ignores the rest.
	FirstOnly ReversalPolicy = "FIRST_ONLY"
	// AllowReversal counts at most one crossing per direction per track.
	AllowReversal ReversalPolicy = "ALLOW_REVERSAL"
)

// Direction labels which side of the line a crossing finished on.
type Direction string

const (
	DirEntry Direction = "entry"
	DirExit  Direction = "exit"
)

// Line is a counting line in percent coordinates (0-100 on both axes),
// so one configuration works across source resolutions.
type Line struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Validate checks that the endpoints are finite, in range, and distinct.
func (l Line) Validate() error {
	for _, v := range []float64{l.X1, l.Y1, l.X2, l.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("line endpoint is not finite")
		}
		if v < 0 || v > 100 {
			return fmt.Errorf("line endpoint %v outside 0-100 percent range", v)
		}
	}
	if l.X1 == l.X2 && l.Y1 == l.Y2 {
		return fmt.Errorf("line endpoints coincide")
	}
	return nil
}

// Resolve scales the percent coordinates to pixel space for a frame of the
// given dimensions.
func (l Line) Resolve(width, height int) (a, b Point) {
	w, h := float64(width), float64(height)
	a = Point{X: l.X1 / 100 * w, Y: l.Y1 / 100 * h}
	b = Point{X: l.X2 / 100 * w, Y: l.Y2 / 100 * h}
	return a, b
}

// CrossingEvent is one counted line crossing.
type CrossingEvent struct {
	TrackID    int64
	Direction  Direction
	FrameIndex int64
	BBox       BBox
	Confidence float64
}

// CounterConfig holds counting parameters.
type CounterConfig struct {
	Line        Line
	ThresholdPx float64        // half-width of the deferral band around the line
	Policy      ReversalPolicy // FirstOnly or AllowReversal
}

// pending is a crossing that landed inside the threshold band and is
// waiting for the track to commit to a side.
type pending struct {
	bbox       BBox
	confidence float64
}

// Counter detects directional crossings of a single counting line by
// tracked centroids. Like the Tracker it is owned by one worker goroutine.
//
// A crossing is detected when the segment from a track's previous centroid
// to its current one strictly intersects the line. The direction comes from
// the signed distance of the current centroid from the line: past the
// positive threshold is an entry, past the negative threshold an exit, and
// inside the band the decision is deferred to later frames.
type Counter struct {
	config CounterConfig

	// pixel-space line, resolved lazily from the first frame's dimensions
	a, b     Point
	resolved bool

	prev     map[int64]Point
	lastSeen map[int64]int64
	waiting  map[int64]pending
	counted  map[countKey]bool

	entries int64
	exits   int64
}

type countKey struct {
	trackID   int64
	direction Direction
}

// stale tracks are forgotten after this many frames without an update
const counterPurgeFrames = 90

// NewCounter validates the configuration and creates a counter.
func NewCounter(config CounterConfig) (*Counter, error) {
	if err := config.Line.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(config.ThresholdPx) || config.ThresholdPx < 0 {
		return nil, fmt.Errorf("crossing threshold must be >= 0, got %v", config.ThresholdPx)
	}
	if config.Policy == "" {
		config.Policy = AllowReversal
	}
	if config.Policy != FirstOnly && config.Policy != AllowReversal {
		return nil, fmt.Errorf("unknown reversal policy %q", config.Policy)
	}
	return &Counter{
		config:   config,
		prev:     make(map[int64]Point),
		lastSeen: make(map[int64]int64),
		waiting:  make(map[int64]pending),
		counted:  make(map[countKey]bool),
	}, nil
}

func ccw(a, b, c Point) float64 {
	return (c.Y-a.Y)*(b.X-a.X) - (b.Y-a.Y)*(c.X-a.X)
}

// segmentsIntersect reports whether segment pq strictly crosses segment ab.
// Touching an endpoint or running collinear does not count.
func segmentsIntersect(p, q, a, b Point) bool {
	d1 := ccw(p, q, a)
	d2 := ccw(p, q, b)
	d3 := ccw(a, b, p)
	d4 := ccw(a, b, q)
	return d1*d2 < 0 && d3*d4 < 0
}

// signedDistance returns the perpendicular distance of c from the line
// through a and b, positive on the entry side.
func (c *Counter) signedDistance(pt Point) float64 {
	dx := c.b.X - c.a.X
	dy := c.b.Y - c.a.Y
	length := math.Hypot(dx, dy)
	mid := Point{X: (c.a.X + c.b.X) / 2, Y: (c.a.Y + c.b.Y) / 2}
	// entry-side normal is the line direction rotated clockwise
	return (dy*(pt.X-mid.X) - dx*(pt.Y-mid.Y)) / length
}

// Update inspects the frame's tracks for line crossings and returns the
// crossings counted at this frame. Width and height are the frame
// dimensions used to resolve the percent-coordinate line; they must not
// change within a job. A track with a non-finite centroid is rejected
// with an error and counts nothing.
func (c *Counter) Update(frameIndex int64, width, height int, tracks []Track) ([]CrossingEvent, error) {
	if !c.resolved {
		c.a, c.b = c.config.Line.Resolve(width, height)
		c.resolved = true
	}

	// Reject before mutating any state so a bad frame counts nothing.
	for _, tr := range tracks {
		cur := tr.BBox.Center()
		if math.IsNaN(cur.X) || math.IsNaN(cur.Y) || math.IsInf(cur.X, 0) || math.IsInf(cur.Y, 0) {
			return nil, fmt.Errorf("track %d has a non-finite centroid", tr.ID)
		}
	}

	var events []CrossingEvent
	for _, tr := range tracks {
		cur := tr.BBox.Center()

		if p, ok := c.waiting[tr.ID]; ok {
			// Crossed earlier but landed inside the threshold band; keep
			// re-evaluating until the track commits to a side.
			if ev, done := c.resolveCrossing(tr.ID, frameIndex, tr.BBox, tr.Confidence, cur); done {
				delete(c.waiting, tr.ID)
				if ev != nil {
					events = append(events, *ev)
				}
			} else {
				p.bbox = tr.BBox
				p.confidence = tr.Confidence
				c.waiting[tr.ID] = p
			}
		} else if prev, ok := c.prev[tr.ID]; ok && segmentsIntersect(prev, cur, c.a, c.b) {
			if ev, done := c.resolveCrossing(tr.ID, frameIndex, tr.BBox, tr.Confidence, cur); done {
				if ev != nil {
					events = append(events, *ev)
				}
			} else {
				c.waiting[tr.ID] = pending{bbox: tr.BBox, confidence: tr.Confidence}
			}
		}

		c.prev[tr.ID] = cur
		c.lastSeen[tr.ID] = frameIndex
	}

	c.purge(frameIndex)
	return events, nil
}

// resolveCrossing decides the direction of a detected crossing from the
// current centroid's signed distance. done is false while the centroid is
// still inside the threshold band.
func (c *Counter) resolveCrossing(trackID, frameIndex int64, bbox BBox, confidence float64, cur Point) (*CrossingEvent, bool) {
	dist := c.signedDistance(cur)
	var dir Direction
	switch {
	case dist > c.config.ThresholdPx:
		dir = DirEntry
	case dist < -c.config.ThresholdPx:
		dir = DirExit
	default:
		return nil, false
	}

	if c.config.Policy == FirstOnly {
		if c.counted[countKey{trackID: trackID, direction: DirEntry}] ||
			c.counted[countKey{trackID: trackID, direction: DirExit}] {
			return nil, true
		}
	}
	key := countKey{trackID: trackID, direction: dir}
	if c.counted[key] {
		return nil, true
	}
	c.counted[key] = true
	if dir == DirEntry {
		c.entries++
	} else {
		c.exits++
	}
	return &CrossingEvent{
		TrackID:    trackID,
		Direction:  dir,
		FrameIndex: frameIndex,
		BBox:       bbox,
		Confidence: confidence,
	}, true
}

func (c *Counter) purge(frameIndex int64) {
	for id, seen := range c.lastSeen {
		if frameIndex-seen > counterPurgeFrames {
			delete(c.lastSeen, id)
			delete(c.prev, id)
			delete(c.waiting, id)
		}
	}
}

// Counts returns the running entry and exit totals.
func (c *Counter) Counts() (entries, exits int64) {
	return c.entries, c.exits
}

// ResetMotion drops per-track motion state (previous centroids and pending
// crossings) while preserving the counted sets and totals. Called after a
// seek so a position jump cannot fabricate a crossing.
func (c *Counter) ResetMotion() {
	c.prev = make(map[int64]Point)
	c.lastSeen = make(map[int64]int64)
	c.waiting = make(map[int64]pending)
}
