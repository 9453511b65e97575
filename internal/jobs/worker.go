package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/crossings.report/internal/db"
	"github.com/banshee-data/crossings.report/internal/detect"
	"github.com/banshee-data/crossings.report/internal/monitoring"
	"github.com/banshee-data/crossings.report/internal/timeutil"
	"github.com/banshee-data/crossings.report/internal/track"
	"github.com/banshee-data/crossings.report/internal/video"
)

// EventStore is the persistence capability handed to workers. The
// implementation serializes writes and absorbs transient failures.
type EventStore interface {
	RecordEvent(ctx context.Context, ev *db.Event) error
	RecordCompletion(ctx context.Context, c *db.Completion) error
}

// SourceOpener creates (and re-creates, for reconnect and seek) the frame
// source for a job. startFrame is the absolute frame position to begin at;
// it is zero for live sources.
type SourceOpener interface {
	Open(startFrame int64) (video.FrameSource, error)
}

// OpenerFunc adapts a function to the SourceOpener interface.
type OpenerFunc func(startFrame int64) (video.FrameSource, error)

func (f OpenerFunc) Open(startFrame int64) (video.FrameSource, error) { return f(startFrame) }

// FrameAnnotator draws the per-frame overlay. *video.Annotator satisfies it.
type FrameAnnotator interface {
	Annotate(jpeg []byte, ov video.Overlay) []byte
}

// FrameEncoder receives annotated frames for recording. *video.Encoder
// satisfies it.
type FrameEncoder interface {
	WriteFrame(jpeg []byte) error
	Close() error
}

type controlKind int

const (
	ctrlPause controlKind = iota
	ctrlResume
	ctrlStop
	ctrlSeek
)

type controlMsg struct {
	kind controlKind
}

// WorkerConfig carries the per-process tunables a worker needs.
type WorkerConfig struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	FPSCap            float64
	ControlQueueCap   int

	// Consecutive detector failures tolerated before the job fails.
	DetectorFailureLimit int
}

// Worker drives one job: read, detect, track, count, annotate, publish,
// encode. It owns its tracker, counter, status board, and source; the
// manager observes it only through snapshots and the done channel.
type Worker struct {
	desc   Descriptor
	config WorkerConfig

	detector    detect.Detector
	store       EventStore
	opener      SourceOpener
	annotator   FrameAnnotator
	encoder     FrameEncoder // nil for RTSP jobs
	broadcaster *Broadcaster
	clock       timeutil.Clock

	tracker *track.Tracker
	counter *track.Counter

	board     *statusBoard
	ctrl      chan controlMsg
	seekDelta atomic.Int64 // latest-wins pending seek, applied at iteration start
	done      chan struct{}

	sourceMu sync.Mutex
	source   video.FrameSource

	startedAt    time.Time
	terminatedAt atomic.Int64 // unix nanos, 0 while active
}

// NewWorker assembles a worker from its capabilities. The counter may be
// nil when counting is disabled.
func NewWorker(
	desc Descriptor,
	cfg WorkerConfig,
	detector detect.Detector,
	store EventStore,
	opener SourceOpener,
	annotator FrameAnnotator,
	encoder FrameEncoder,
	tracker *track.Tracker,
	counter *track.Counter,
	clock timeutil.Clock,
) *Worker {
	if cfg.ControlQueueCap <= 0 {
		cfg.ControlQueueCap = 8
	}
	if cfg.DetectorFailureLimit <= 0 {
		cfg.DetectorFailureLimit = 30
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{
		desc:        desc,
		config:      cfg,
		detector:    detector,
		store:       store,
		opener:      opener,
		annotator:   annotator,
		encoder:     encoder,
		broadcaster: NewBroadcaster(),
		clock:       clock,
		tracker:     tracker,
		counter:     counter,
		board:       newStatusBoard(desc),
		ctrl:        make(chan controlMsg, cfg.ControlQueueCap),
		done:        make(chan struct{}),
	}
}

// Broadcaster returns the job's frame broadcaster.
func (w *Worker) Broadcaster() *Broadcaster { return w.broadcaster }

// Status returns a coherent snapshot.
func (w *Worker) Status() Status { return w.board.Snapshot() }

// Done is closed when the worker reaches a terminal phase and has released
// its resources.
func (w *Worker) Done() <-chan struct{} { return w.done }

// TerminatedAt returns when the worker reached a terminal phase, or the
// zero time while it is still active.
func (w *Worker) TerminatedAt() time.Time {
	ns := w.terminatedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// enqueue delivers a control message, waiting briefly if the queue is full.
// Pause/Resume/Stop are idempotent so a dropped duplicate is harmless, but
// the caller is told when the queue stayed full.
func (w *Worker) enqueue(msg controlMsg) error {
	select {
	case w.ctrl <- msg:
		return nil
	default:
	}
	timer := w.clock.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	select {
	case w.ctrl <- msg:
		return nil
	case <-timer.C():
		return Errorf(CodeResourceExhausted, "control queue full for job %s", w.desc.JobID)
	case <-w.done:
		return Errorf(CodeInvalidState, "job %s already terminal", w.desc.JobID)
	}
}

// Pause requests a transition to PAUSED. Valid only from RUNNING.
func (w *Worker) Pause() error {
	if p := w.board.Phase(); p != PhaseRunning {
		return Errorf(CodeInvalidState, "cannot pause job in phase %s", p)
	}
	return w.enqueue(controlMsg{kind: ctrlPause})
}

// Resume requests a transition back to RUNNING. Valid only from PAUSED.
func (w *Worker) Resume() error {
	if p := w.board.Phase(); p != PhasePaused {
		return Errorf(CodeInvalidState, "cannot resume job in phase %s", p)
	}
	return w.enqueue(controlMsg{kind: ctrlResume})
}

// Stop requests a graceful stop. Returns immediately; termination is
// observable via Status or Done.
func (w *Worker) Stop() error {
	if w.board.Phase().Terminal() {
		return nil // idempotent on terminal jobs
	}
	return w.enqueue(controlMsg{kind: ctrlStop})
}

// Seek requests a relative seek of deltaFrames. FILE_VIDEO only. Pending
// seeks coalesce: the latest request wins.
func (w *Worker) Seek(deltaFrames int64) error {
	if w.desc.Kind != KindFileVideo {
		return Errorf(CodeInvalidInput, "seek is only valid for FILE_VIDEO jobs")
	}
	if p := w.board.Phase(); p.Terminal() {
		return Errorf(CodeInvalidState, "cannot seek job in phase %s", p)
	}
	w.seekDelta.Store(deltaFrames)
	// Best-effort wake for a paused worker; the atomic already holds the
	// value so a full queue loses nothing.
	select {
	case w.ctrl <- controlMsg{kind: ctrlSeek}:
	default:
	}
	return nil
}

// ForceClose unblocks a hung worker by killing its source. Called by the
// manager watchdog when a stop is not observed within the grace period.
func (w *Worker) ForceClose() {
	w.sourceMu.Lock()
	src := w.source
	w.sourceMu.Unlock()
	if src != nil {
		src.Close()
	}
}

func (w *Worker) setSource(src video.FrameSource) {
	w.sourceMu.Lock()
	w.source = src
	w.sourceMu.Unlock()
}

// Run executes the job to a terminal phase. Blocks; call in a dedicated
// goroutine. Cancelling ctx behaves like a STOP.
func (w *Worker) Run(ctx context.Context) {
	w.startedAt = w.clock.Now()

	src, err := w.openInitial(ctx)
	if err != nil {
		w.finish(ctx, PhaseFailed, err)
		return
	}
	w.setSource(src)

	w.board.update(func(s *Status) { s.Phase = PhaseRunning })

	var (
		frameIndex   int64 = -1 // absolute source position; first frame is 0
		nextFrameAt  time.Time
		lastIterAt   time.Time
		detectorFail int
		stopped      bool
	)

	period := time.Duration(0)
	if w.config.FPSCap > 0 {
		period = time.Duration(float64(time.Second) / w.config.FPSCap)
	}

	for {
		// Control checkpoint. Non-blocking while RUNNING; PAUSED parks here.
		stopped = w.handleControl(ctx)
		if stopped {
			break
		}

		// Apply a pending seek before reading the next frame.
		if delta := w.seekDelta.Swap(0); delta != 0 && w.desc.Kind == KindFileVideo {
			frameIndex = w.applySeek(frameIndex, delta)
		}

		frame, err := w.readFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.finish(ctx, PhaseCompleted, nil)
				return
			}
			if errors.Is(err, context.Canceled) {
				stopped = true
				break
			}
			w.finish(ctx, PhaseFailed, Wrap(CodeSourceUnavailable, err, "frame source failed"))
			return
		}
		frameIndex++

		// Wall-clock pacing, drop-free.
		if period > 0 {
			now := w.clock.Now()
			if !nextFrameAt.IsZero() && now.Before(nextFrameAt) {
				w.clock.Sleep(nextFrameAt.Sub(now))
				now = nextFrameAt
			}
			nextFrameAt = now.Add(period)
		}

		detections, derr := w.detect(ctx, frame)
		if derr != nil {
			detectorFail++
			if detectorFail >= w.config.DetectorFailureLimit {
				w.finish(ctx, PhaseFailed, Wrap(CodeDetectorError, derr, "detector failing persistently"))
				return
			}
			monitoring.Logf("job %s: detector error on frame %d (dropped): %v", w.desc.JobID, frameIndex, derr)
		} else {
			detectorFail = 0
		}

		tracks := w.tracker.Update(frameIndex, detections)

		var entries, exits int64
		if w.counter != nil {
			events, cerr := w.counter.Update(frameIndex, w.desc.Properties.Width, w.desc.Properties.Height, tracks)
			if cerr != nil {
				w.finish(ctx, PhaseFailed, Wrap(CodeFatal, cerr, "counting failed"))
				return
			}
			for i := range events {
				w.recordEvent(ctx, &events[i])
			}
			entries, exits = w.counter.Counts()
		}

		annotated := w.annotator.Annotate(frame, video.Overlay{
			Tracks:     tracks,
			Entries:    entries,
			Exits:      exits,
			FrameIndex: frameIndex,
			Label:      w.desc.CameraName,
		})

		// Publish before encode: every recorded frame was also streamed.
		w.broadcaster.Publish(annotated, frameIndex)
		if w.encoder != nil {
			if err := w.encoder.WriteFrame(annotated); err != nil {
				w.finish(ctx, PhaseFailed, Wrap(CodeFatal, err, "video encoder failed"))
				return
			}
		}

		// Iteration bookkeeping under one status update so readers never
		// see frames_out ahead of frames_in.
		now := w.clock.Now()
		var instFPS float64
		if !lastIterAt.IsZero() {
			if dt := now.Sub(lastIterAt); dt > 0 {
				instFPS = float64(time.Second) / float64(dt)
			}
		}
		lastIterAt = now
		idx := frameIndex
		w.board.update(func(s *Status) {
			s.FramesIn++
			s.FramesOut++
			s.EntryCount = entries
			s.ExitCount = exits
			s.LastFrameIndex = idx
			s.UptimeS = w.clock.Since(w.startedAt).Seconds()
			if instFPS > 0 {
				if s.FPSMeasured == 0 {
					s.FPSMeasured = instFPS
				} else {
					// EWMA over recent frames
					s.FPSMeasured = 0.2*instFPS + 0.8*s.FPSMeasured
				}
			}
			if total := w.desc.Properties.FrameCount; total > 0 {
				s.Progress = float64(s.FramesIn) / float64(total)
				if s.Progress > 1 {
					s.Progress = 1
				}
			}
		})
	}

	w.finish(ctx, PhaseStopped, nil)
}

// openInitial opens the source, with the reconnect policy applied for live
// sources.
func (w *Worker) openInitial(ctx context.Context) (video.FrameSource, error) {
	src, err := w.opener.Open(0)
	if err == nil {
		return src, nil
	}
	if w.desc.Kind != KindRTSPStream {
		return nil, Wrap(CodeSourceUnavailable, err, "cannot open video file")
	}
	for attempt := 1; attempt <= w.config.ReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, Wrap(CodeSourceUnavailable, ctx.Err(), "cancelled while connecting")
		}
		w.clock.Sleep(w.config.ReconnectDelay)
		if src, err = w.opener.Open(0); err == nil {
			return src, nil
		}
		monitoring.Logf("job %s: connect attempt %d/%d failed: %v",
			w.desc.JobID, attempt, w.config.ReconnectAttempts, err)
	}
	return nil, Wrap(CodeSourceUnavailable, err, "cannot connect to rtsp source")
}

// readFrame reads the next frame, transparently reconnecting live sources.
func (w *Worker) readFrame(ctx context.Context) ([]byte, error) {
	w.sourceMu.Lock()
	src := w.source
	w.sourceMu.Unlock()

	frame, err := src.Next(ctx)
	if err == nil {
		return frame, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || w.desc.Kind != KindRTSPStream {
		return nil, err
	}

	// Live source dropped: retry with fixed backoff. The job stays RUNNING
	// and the frame index continues from the last successful frame.
	monitoring.Logf("job %s: source read failed, reconnecting: %v", w.desc.JobID, err)
	src.Close()
	for attempt := 1; attempt <= w.config.ReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		w.clock.Sleep(w.config.ReconnectDelay)
		newSrc, oerr := w.opener.Open(0)
		if oerr != nil {
			monitoring.Logf("job %s: reconnect attempt %d/%d failed: %v",
				w.desc.JobID, attempt, w.config.ReconnectAttempts, oerr)
			continue
		}
		w.setSource(newSrc)
		if frame, err = newSrc.Next(ctx); err == nil {
			return frame, nil
		}
		newSrc.Close()
		monitoring.Logf("job %s: reconnect attempt %d/%d read failed: %v",
			w.desc.JobID, attempt, w.config.ReconnectAttempts, err)
	}
	return nil, err
}

// applySeek repositions a file source and clears motion state so the jump
// cannot fabricate a crossing. Counts and counted-track sets survive.
func (w *Worker) applySeek(frameIndex, delta int64) int64 {
	target := frameIndex + delta
	if target < 0 {
		target = 0
	}
	if total := w.desc.Properties.FrameCount; total > 0 && target >= total {
		target = total - 1
	}

	newSrc, err := w.opener.Open(target)
	if err != nil {
		monitoring.Logf("job %s: seek to frame %d failed: %v", w.desc.JobID, target, err)
		return frameIndex
	}

	w.sourceMu.Lock()
	old := w.source
	w.source = newSrc
	w.sourceMu.Unlock()
	if old != nil {
		old.Close()
	}

	w.tracker.Reset()
	if w.counter != nil {
		w.counter.ResetMotion()
	}
	monitoring.Logf("job %s: seeked %+d frames to %d", w.desc.JobID, delta, target)
	return target - 1 // next read is frame `target`
}

// detect runs the detector with a single retry on failure.
func (w *Worker) detect(ctx context.Context, frame []byte) ([]track.Detection, error) {
	detections, err := w.detector.Detect(ctx, frame)
	if err == nil {
		return detections, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return w.detector.Detect(ctx, frame)
}

// recordEvent persists one crossing. The store wrapper handles retries and
// the journal fallback; counts are already incremented by the counter and
// are never rolled back.
func (w *Worker) recordEvent(ctx context.Context, ev *track.CrossingEvent) {
	record := &db.Event{
		EventType:  string(ev.Direction),
		CameraID:   w.desc.CameraID,
		TrackID:    ev.TrackID,
		Confidence: ev.Confidence,
		Timestamp:  db.FormatTimestamp(w.clock.Now()),
		FrameIndex: ev.FrameIndex,
		BBox: [4]int{
			int(ev.BBox.X1), int(ev.BBox.Y1),
			int(ev.BBox.X2), int(ev.BBox.Y2),
		},
		LineID: "main",
	}
	if err := w.store.RecordEvent(ctx, record); err != nil {
		monitoring.Logf("job %s: event write lost: %v", w.desc.JobID, err)
	}
}

// handleControl drains pending control messages. While PAUSED it blocks
// until resume or stop. Returns true when the worker should stop.
func (w *Worker) handleControl(ctx context.Context) (stop bool) {
	for {
		select {
		case msg := <-w.ctrl:
			switch msg.kind {
			case ctrlPause:
				if w.board.Phase() == PhaseRunning {
					w.board.update(func(s *Status) { s.Phase = PhasePaused })
					if w.blockWhilePaused(ctx) {
						return true
					}
				}
			case ctrlResume:
				// already running
			case ctrlStop:
				return true
			case ctrlSeek:
				// applied from the atomic at iteration start
			}
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}

// blockWhilePaused parks the worker until RESUME or STOP arrives. Returns
// true when the worker should stop.
func (w *Worker) blockWhilePaused(ctx context.Context) (stop bool) {
	for {
		select {
		case msg := <-w.ctrl:
			switch msg.kind {
			case ctrlResume:
				w.board.update(func(s *Status) { s.Phase = PhaseRunning })
				return false
			case ctrlStop:
				return true
			case ctrlPause, ctrlSeek:
				// idempotent / deferred
			}
		case <-ctx.Done():
			return true
		}
	}
}

// finish performs the single terminal transition: release the source and
// encoder, write the completion record, close the broadcaster, and publish
// the final status.
func (w *Worker) finish(ctx context.Context, phase Phase, cause error) {
	w.sourceMu.Lock()
	src := w.source
	w.source = nil
	w.sourceMu.Unlock()
	if src != nil {
		src.Close()
	}

	if w.encoder != nil {
		if err := w.encoder.Close(); err != nil {
			monitoring.Logf("job %s: encoder close: %v", w.desc.JobID, err)
			if phase == PhaseCompleted {
				phase = PhaseFailed
				cause = Wrap(CodeFatal, err, "encoder flush failed")
			}
		}
	}

	w.board.update(func(s *Status) {
		s.Phase = phase
		s.UptimeS = w.clock.Since(w.startedAt).Seconds()
		if phase == PhaseCompleted && w.desc.Properties.FrameCount > 0 {
			s.Progress = 1
		}
		if cause != nil {
			s.Error = cause.Error()
			s.ErrorCode = CodeOf(cause)
		}
	})

	final := w.board.Snapshot()
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	// Completion record write uses a fresh context: the job's context may
	// already be cancelled during shutdown.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.RecordCompletion(recordCtx, &db.Completion{
		JobID:      w.desc.JobID,
		CameraID:   w.desc.CameraID,
		Kind:       string(w.desc.Kind),
		Phase:      string(phase),
		EntryCount: final.EntryCount,
		ExitCount:  final.ExitCount,
		FramesIn:   final.FramesIn,
		FramesOut:  final.FramesOut,
		Error:      errMsg,
		Timestamp:  db.FormatTimestamp(w.clock.Now()),
	}); err != nil {
		monitoring.Logf("job %s: completion record lost: %v", w.desc.JobID, err)
	}

	w.broadcaster.Close()
	w.terminatedAt.Store(w.clock.Now().UnixNano())
	close(w.done)

	if cause != nil {
		monitoring.Logf("job %s: %s: %v", w.desc.JobID, phase, cause)
	} else {
		monitoring.Logf("job %s: %s (frames=%d entries=%d exits=%d)",
			w.desc.JobID, phase, final.FramesIn, final.EntryCount, final.ExitCount)
	}
}
