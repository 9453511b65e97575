package jobs

import (
	"sync"

	"github.com/banshee-data/crossings.report/internal/track"
	"github.com/banshee-data/crossings.report/internal/video"
)

// Kind distinguishes the two ingest modes.
type Kind string

const (
	KindFileVideo  Kind = "FILE_VIDEO"
	KindRTSPStream Kind = "RTSP_STREAM"
)

// Phase is the job lifecycle state.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseRunning   Phase = "RUNNING"
	PhasePaused    Phase = "PAUSED"
	PhaseCompleted Phase = "COMPLETED"
	PhaseStopped   Phase = "STOPPED"
	PhaseFailed    Phase = "FAILED"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseStopped, PhaseFailed:
		return true
	}
	return false
}

// Descriptor is the immutable definition of a job.
type Descriptor struct {
	JobID        string
	Kind         Kind
	Source       string // file path or rtsp:// URL
	CameraID     string
	CameraName   string
	CountEnabled bool
	Line         track.Line
	FPSCap       float64
	OutputPath   string // annotated MP4 for FILE_VIDEO jobs

	// Probed stream properties, filled in at submit time.
	Properties video.StreamInfo
}

// Status is the coherent, reader-facing snapshot of a job. Field names are
// part of the REST contract.
type Status struct {
	JobID          string            `json:"job_id"`
	Kind           Kind              `json:"kind"`
	CameraID       string            `json:"camera_id,omitempty"`
	CameraName     string            `json:"camera_name,omitempty"`
	Phase          Phase             `json:"phase"`
	Progress       float64           `json:"progress"` // meaningless for RTSP
	FramesIn       int64             `json:"frames_in"`
	FramesOut      int64             `json:"frames_out"`
	EntryCount     int64             `json:"entry_count"`
	ExitCount      int64             `json:"exit_count"`
	NetCount       int64             `json:"net_count"`
	FPSMeasured    float64           `json:"fps_measured"`
	UptimeS        float64           `json:"uptime_s"`
	LastFrameIndex int64             `json:"last_frame_index"`
	Error          string            `json:"error,omitempty"`
	ErrorCode      Code              `json:"error_code,omitempty"`
	StreamProps    *video.StreamInfo `json:"stream_properties,omitempty"`
}

// statusBoard guards a Status so the worker mutates it and any number of
// readers take torn-free snapshots. Readers never observe entry_count and
// net_count from different frames.
type statusBoard struct {
	mu sync.Mutex
	s  Status
}

func newStatusBoard(d Descriptor) *statusBoard {
	props := d.Properties
	return &statusBoard{s: Status{
		JobID:       d.JobID,
		Kind:        d.Kind,
		CameraID:    d.CameraID,
		CameraName:  d.CameraName,
		Phase:       PhasePending,
		StreamProps: &props,
	}}
}

// update applies fn atomically and keeps net_count consistent.
func (b *statusBoard) update(fn func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.s)
	b.s.NetCount = b.s.EntryCount - b.s.ExitCount
}

// Snapshot returns a self-consistent copy.
func (b *statusBoard) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.s
	if s.StreamProps != nil {
		props := *s.StreamProps
		s.StreamProps = &props
	}
	return s
}

// Phase returns just the current phase.
func (b *statusBoard) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s.Phase
}
