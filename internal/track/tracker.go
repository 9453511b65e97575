// Package track implements frame-to-frame object association and
// directional line-crossing counting over tracked centroids.
package track

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// BBox is an axis-aligned bounding box in pixel coordinates with
// X1 < X2 and Y1 < Y2.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Center returns the centroid of the box.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Valid reports whether the box has finite, well-ordered coordinates.
func (b BBox) Valid() bool {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Point is a 2D point in pixel space.
type Point struct {
	X, Y float64
}

// Detection is a single detector output for one frame.
type Detection struct {
	BBox       BBox
	Confidence float64
	ClassID    int
	Class      string
}

// Track is a persistent identity assigned to a sequence of associated
// detections. Instances are owned by the Tracker; callers receive copies.
type Track struct {
	ID            int64
	BBox          BBox
	Confidence    float64
	ClassID       int
	LastFrameSeen int64
	History       []Point

	misses int
}

// TrackerConfig holds association parameters.
type TrackerConfig struct {
	IoUMin     float64 // minimum IoU to pair a detection with a track
	MaxMisses  int     // consecutive missed frames before a track is destroyed
	HistoryLen int     // bounded centroid history per track
	MinConf    float64 // minimum confidence to open a new track
}

// DefaultTrackerConfig returns the default association parameters.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IoUMin:     0.3,
		MaxMisses:  30,
		HistoryLen: 30,
		MinConf:    0.3,
	}
}

// Tracker performs greedy IoU association of per-frame detections into
// persistent track IDs. It is owned by a single job worker goroutine and
// is not safe for concurrent use.
type Tracker struct {
	config TrackerConfig
	tracks []*Track
	nextID int64
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(config TrackerConfig) *Tracker {
	if config.IoUMin <= 0 {
		config.IoUMin = 0.3
	}
	if config.MaxMisses <= 0 {
		config.MaxMisses = 30
	}
	if config.HistoryLen <= 0 {
		config.HistoryLen = 30
	}
	return &Tracker{config: config, nextID: 1}
}

// IoU returns the intersection-over-union area ratio of two boxes.
func IoU(a, b BBox) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	intersection := (ix2 - ix1) * (iy2 - iy1)

	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Update associates detections with active tracks and returns a snapshot of
// the tracks matched or created this frame. Unmatched tracks age and are
// destroyed after MaxMisses consecutive misses; an empty detection slice is
// valid and only ages tracks.
//
// Given identical detection sequences the assigned IDs and lifetimes are
// reproducible: association pairs the globally highest IoU first, and ties
// are broken by lower track index then lower detection index.
func (t *Tracker) Update(frameIndex int64, detections []Detection) []Track {
	matchedTrack := make([]bool, len(t.tracks))
	matchedDet := make([]bool, len(detections))

	if len(t.tracks) > 0 && len(detections) > 0 {
		iou := mat.NewDense(len(t.tracks), len(detections), nil)
		for i, tr := range t.tracks {
			for j, d := range detections {
				iou.Set(i, j, IoU(tr.BBox, d.BBox))
			}
		}

		// Greedy global-best pairing: take the highest remaining IoU above
		// the threshold, retire its row and column, repeat. Strict ">" keeps
		// the first (lowest-index) cell on ties.
		for {
			best := -1.0
			bi, bj := -1, -1
			for i := range t.tracks {
				if matchedTrack[i] {
					continue
				}
				for j := range detections {
					if matchedDet[j] {
						continue
					}
					if v := iou.At(i, j); v > best {
						best, bi, bj = v, i, j
					}
				}
			}
			if bi < 0 || best < t.config.IoUMin {
				break
			}
			matchedTrack[bi] = true
			matchedDet[bj] = true
			t.updateTrack(t.tracks[bi], detections[bj], frameIndex)
		}
	}

	// Age unmatched tracks; destroy the ones that exceeded the miss budget.
	survivors := t.tracks[:0]
	for i, tr := range t.tracks {
		if matchedTrack[i] {
			survivors = append(survivors, tr)
			continue
		}
		tr.misses++
		if tr.misses <= t.config.MaxMisses {
			survivors = append(survivors, tr)
		}
	}
	t.tracks = survivors

	// Open new tracks for unmatched detections above the confidence floor.
	var current []Track
	for _, tr := range t.tracks {
		if tr.LastFrameSeen == frameIndex {
			current = append(current, snapshotTrack(tr))
		}
	}
	for j, d := range detections {
		if matchedDet[j] || d.Confidence < t.config.MinConf {
			continue
		}
		tr := &Track{
			ID:            t.nextID,
			BBox:          d.BBox,
			Confidence:    d.Confidence,
			ClassID:       d.ClassID,
			LastFrameSeen: frameIndex,
			History:       []Point{d.BBox.Center()},
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		current = append(current, snapshotTrack(tr))
	}

	return current
}

func (t *Tracker) updateTrack(tr *Track, d Detection, frameIndex int64) {
	tr.BBox = d.BBox
	tr.Confidence = d.Confidence
	tr.ClassID = d.ClassID
	tr.LastFrameSeen = frameIndex
	tr.misses = 0
	tr.History = append(tr.History, d.BBox.Center())
	if len(tr.History) > t.config.HistoryLen {
		tr.History = tr.History[len(tr.History)-t.config.HistoryLen:]
	}
}

func snapshotTrack(tr *Track) Track {
	history := make([]Point, len(tr.History))
	copy(history, tr.History)
	c := *tr
	c.History = history
	return c
}

// ActiveCount returns the number of live tracks, including recently
// missed ones still within the miss budget.
func (t *Tracker) ActiveCount() int {
	return len(t.tracks)
}

// Reset destroys all tracks. The ID counter is not rewound so identities
// never repeat within a job; used after a seek discontinuity.
func (t *Tracker) Reset() {
	t.tracks = nil
}
