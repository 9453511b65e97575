package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crossings.report/internal/detect"
	"github.com/banshee-data/crossings.report/internal/monitoring"
	"github.com/banshee-data/crossings.report/internal/timeutil"
	"github.com/banshee-data/crossings.report/internal/track"
	"github.com/banshee-data/crossings.report/internal/video"
)

// ManagerConfig carries the process-wide job policy.
type ManagerConfig struct {
	MaxConcurrentJobs int
	Retention         time.Duration // how long terminal jobs stay visible
	GracePeriod       time.Duration // watchdog budget for a STOP to land
	DrainTimeout      time.Duration // shutdown budget before force-close

	Worker  WorkerConfig
	Tracker track.TrackerConfig

	CrossingThresholdPx float64
	ReversalPolicy      track.ReversalPolicy
	JPEGQuality         int
}

// WorkerFactory builds the source opener and optional encoder for a
// descriptor. Production wiring shells out to ffmpeg; tests substitute
// in-memory fakes.
type WorkerFactory interface {
	Opener(d Descriptor) (SourceOpener, error)
	Encoder(d Descriptor) (FrameEncoder, error) // nil encoder is valid
}

// FFmpegFactory is the production WorkerFactory.
type FFmpegFactory struct {
	RTSPFPSCap float64
}

// Opener returns a frame source factory for the descriptor.
func (f *FFmpegFactory) Opener(d Descriptor) (SourceOpener, error) {
	if d.Kind == KindRTSPStream {
		url := d.Source
		fpsCap := f.RTSPFPSCap
		return OpenerFunc(func(int64) (video.FrameSource, error) {
			return video.NewRTSPSource(url, fpsCap)
		}), nil
	}
	path := d.Source
	fps := d.Properties.FPS
	return OpenerFunc(func(startFrame int64) (video.FrameSource, error) {
		var startSeconds float64
		if startFrame > 0 && fps > 0 {
			startSeconds = float64(startFrame) / fps
		}
		return video.NewFileSource(path, startSeconds)
	}), nil
}

// Encoder returns the MP4 recorder for FILE_VIDEO jobs with an output
// path, nil otherwise.
func (f *FFmpegFactory) Encoder(d Descriptor) (FrameEncoder, error) {
	if d.Kind != KindFileVideo || d.OutputPath == "" {
		return nil, nil
	}
	return video.NewEncoder(d.OutputPath, d.Properties.FPS)
}

// Manager is the process-wide job registry. It spawns one worker goroutine
// per job and observes workers only through their snapshot API; the
// registry lock is never held across blocking I/O.
type Manager struct {
	config   ManagerConfig
	detector detect.Detector
	store    EventStore
	factory  WorkerFactory
	clock    timeutil.Clock

	mu   sync.Mutex
	jobs map[string]*Worker

	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	sweeperStop chan struct{}
}

// NewManager creates a manager and starts its retention sweeper.
func NewManager(cfg ManagerConfig, detector detect.Detector, store EventStore, factory WorkerFactory, clock timeutil.Clock) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:      cfg,
		detector:    detector,
		store:       store,
		factory:     factory,
		clock:       clock,
		jobs:        make(map[string]*Worker),
		baseCtx:     ctx,
		cancel:      cancel,
		sweeperStop: make(chan struct{}),
	}
	go m.sweepRetention()
	return m
}

// Submit validates the descriptor, assigns a job ID, and spawns the
// worker. Returns the assigned job ID.
func (m *Manager) Submit(desc Descriptor) (string, error) {
	if desc.Kind != KindFileVideo && desc.Kind != KindRTSPStream {
		return "", Errorf(CodeInvalidInput, "unknown job kind %q", desc.Kind)
	}
	if desc.CountEnabled {
		if err := desc.Line.Validate(); err != nil {
			return "", Wrap(CodeInvalidInput, err, "invalid counting line")
		}
	}
	desc.JobID = uuid.New().String()

	var counter *track.Counter
	if desc.CountEnabled {
		var err error
		counter, err = track.NewCounter(track.CounterConfig{
			Line:        desc.Line,
			ThresholdPx: m.config.CrossingThresholdPx,
			Policy:      m.config.ReversalPolicy,
		})
		if err != nil {
			return "", Wrap(CodeInvalidInput, err, "invalid counter configuration")
		}
	}

	opener, err := m.factory.Opener(desc)
	if err != nil {
		return "", Wrap(CodeSourceUnavailable, err, "cannot prepare source")
	}
	encoder, err := m.factory.Encoder(desc)
	if err != nil {
		return "", Wrap(CodeSourceUnavailable, err, "cannot prepare output encoder")
	}

	workerCfg := m.config.Worker
	if desc.FPSCap > 0 {
		workerCfg.FPSCap = desc.FPSCap
	}
	annotator := &video.Annotator{Line: desc.Line, Quality: m.config.JPEGQuality}

	worker := NewWorker(desc, workerCfg, m.detector, m.store, opener, annotator,
		encoder, track.NewTracker(m.config.Tracker), counter, m.clock)

	m.mu.Lock()
	active := 0
	for _, w := range m.jobs {
		if !w.Status().Phase.Terminal() {
			active++
		}
	}
	if active >= m.config.MaxConcurrentJobs {
		m.mu.Unlock()
		if encoder != nil {
			encoder.Close()
		}
		return "", Errorf(CodeResourceExhausted,
			"concurrent job limit reached (%d)", m.config.MaxConcurrentJobs)
	}
	if desc.Kind == KindRTSPStream {
		for _, w := range m.jobs {
			if w.desc.Kind == KindRTSPStream && w.desc.CameraID == desc.CameraID &&
				!w.Status().Phase.Terminal() {
				m.mu.Unlock()
				if encoder != nil {
					encoder.Close()
				}
				return "", Errorf(CodeAlreadyExists,
					"camera %s already has an active stream", desc.CameraID)
			}
		}
	}
	m.jobs[desc.JobID] = worker
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		worker.Run(m.baseCtx)
	}()

	monitoring.Logf("job %s submitted (%s, camera=%s)", desc.JobID, desc.Kind, desc.CameraID)
	return desc.JobID, nil
}

func (m *Manager) lookup(jobID string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.jobs[jobID]
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown job %s", jobID)
	}
	return w, nil
}

// Status returns a coherent snapshot of one job.
func (m *Manager) Status(jobID string) (Status, error) {
	w, err := m.lookup(jobID)
	if err != nil {
		return Status{}, err
	}
	return w.Status(), nil
}

// Broadcaster returns a job's frame broadcaster for stream subscribers.
func (m *Manager) Broadcaster(jobID string) (*Broadcaster, error) {
	w, err := m.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return w.Broadcaster(), nil
}

// Pause requests PAUSED; valid only from RUNNING.
func (m *Manager) Pause(jobID string) error {
	w, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return w.Pause()
}

// Resume requests RUNNING; valid only from PAUSED.
func (m *Manager) Resume(jobID string) error {
	w, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return w.Resume()
}

// Seek enqueues a relative seek for a FILE_VIDEO job.
func (m *Manager) Seek(jobID string, deltaFrames int64) error {
	w, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return w.Seek(deltaFrames)
}

// Stop requests a graceful stop and returns the status at the time of the
// request. A watchdog force-closes the source if the worker has not
// terminated within the grace period.
func (m *Manager) Stop(jobID string) (Status, error) {
	w, err := m.lookup(jobID)
	if err != nil {
		return Status{}, err
	}
	if err := w.Stop(); err != nil {
		return Status{}, err
	}

	go func() {
		timer := m.clock.NewTimer(m.config.GracePeriod)
		defer timer.Stop()
		select {
		case <-w.Done():
		case <-timer.C():
			monitoring.Logf("job %s: stop not observed within %s, force-closing source",
				jobID, m.config.GracePeriod)
			w.ForceClose()
		}
	}()

	return w.Status(), nil
}

// List returns snapshots of all active and recently terminated jobs in a
// stable order.
func (m *Manager) List() []Status {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.jobs))
	for _, w := range m.jobs {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].JobID < statuses[j].JobID })
	return statuses
}

// sweepRetention removes terminal jobs after the retention window so late
// pollers get NOT_FOUND instead of stale state.
func (m *Manager) sweepRetention() {
	ticker := m.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweeperStop:
			return
		case <-ticker.C():
			cutoff := m.clock.Now().Add(-m.config.Retention)
			m.mu.Lock()
			for id, w := range m.jobs {
				if t := w.TerminatedAt(); !t.IsZero() && t.Before(cutoff) {
					delete(m.jobs, id)
					monitoring.Logf("job %s: removed from registry after retention", id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Shutdown stops all jobs and waits up to the drain timeout. Returns true
// when every job terminated gracefully within the budget.
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.stopOnce.Do(func() { close(m.sweeperStop) })

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.jobs))
	for _, w := range m.jobs {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	timer := m.clock.NewTimer(m.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C():
	case <-ctx.Done():
	}

	// Budget exhausted: cancel contexts and kill sources.
	m.cancel()
	for _, w := range workers {
		w.ForceClose()
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
	}
	return false
}
