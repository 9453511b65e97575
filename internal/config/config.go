// Package config loads and validates the process configuration. All fields
// are pointers so a partial JSON file overrides only what it names; the
// Get* accessors supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/crossings.report/internal/track"
)

// DefaultConfigPath is the canonical defaults file. It is the single source
// of truth for shipped default values.
const DefaultConfigPath = "config/analytics.defaults.json"

// Config is the process-wide configuration envelope. The schema doubles as
// the startup file format and the /api/config response.
type Config struct {
	// Job scheduling
	MaxConcurrentJobs   *int `json:"max_concurrent_jobs,omitempty"`
	JobRetentionMinutes *int `json:"job_retention_minutes,omitempty"`
	ControlQueueCap     *int `json:"control_queue_cap,omitempty"`

	// RTSP ingest
	RTSPReconnectAttempts *int     `json:"rtsp_reconnect_attempts,omitempty"`
	RTSPReconnectDelayS   *float64 `json:"rtsp_reconnect_delay_s,omitempty"`
	RTSPFPSCap            *float64 `json:"rtsp_fps_cap,omitempty"`

	// Detection
	DetectorEndpoint  *string  `json:"detector_endpoint,omitempty"`
	DetectorSerialize *bool    `json:"detector_serialize,omitempty"`
	TargetClass       *string  `json:"target_class,omitempty"`
	MinDetConf        *float64 `json:"min_det_conf,omitempty"`

	// Tracking
	TrackIoUMin     *float64 `json:"track_iou_min,omitempty"`
	TrackMissMax    *int     `json:"track_miss_max,omitempty"`
	TrackHistoryLen *int     `json:"track_history_len,omitempty"`

	// Counting
	Line                *track.Line `json:"line,omitempty"`
	CrossingThresholdPx *float64    `json:"crossing_threshold_px,omitempty"`
	ReversalPolicy      *string     `json:"reversal_policy,omitempty"`

	// Output
	JPEGQuality *int    `json:"jpeg_quality,omitempty"`
	OutputDir   *string `json:"output_dir,omitempty"`
	JournalPath *string `json:"journal_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a Config with all fields unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. The path must have a .json
// extension and the file must be under 1MB. Fields omitted from the file
// keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the shipped defaults from DefaultConfigPath,
// searching upward from the current directory. Panics if the file cannot be
// loaded; intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that any set fields hold usable values.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs != nil && *c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be >= 1, got %d", *c.MaxConcurrentJobs)
	}
	if c.ControlQueueCap != nil && *c.ControlQueueCap < 1 {
		return fmt.Errorf("control_queue_cap must be >= 1, got %d", *c.ControlQueueCap)
	}
	if c.JobRetentionMinutes != nil && *c.JobRetentionMinutes < 0 {
		return fmt.Errorf("job_retention_minutes must be non-negative, got %d", *c.JobRetentionMinutes)
	}
	if c.RTSPReconnectAttempts != nil && *c.RTSPReconnectAttempts < 0 {
		return fmt.Errorf("rtsp_reconnect_attempts must be non-negative, got %d", *c.RTSPReconnectAttempts)
	}
	if c.RTSPReconnectDelayS != nil && *c.RTSPReconnectDelayS < 0 {
		return fmt.Errorf("rtsp_reconnect_delay_s must be non-negative, got %f", *c.RTSPReconnectDelayS)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	if c.TrackIoUMin != nil && (*c.TrackIoUMin <= 0 || *c.TrackIoUMin > 1) {
		return fmt.Errorf("track_iou_min must be in (0,1], got %f", *c.TrackIoUMin)
	}
	if c.MinDetConf != nil && (*c.MinDetConf < 0 || *c.MinDetConf > 1) {
		return fmt.Errorf("min_det_conf must be between 0 and 1, got %f", *c.MinDetConf)
	}
	if c.CrossingThresholdPx != nil && *c.CrossingThresholdPx < 0 {
		return fmt.Errorf("crossing_threshold_px must be non-negative, got %f", *c.CrossingThresholdPx)
	}
	if c.ReversalPolicy != nil {
		switch track.ReversalPolicy(*c.ReversalPolicy) {
		case track.FirstOnly, track.AllowReversal:
		default:
			return fmt.Errorf("unknown reversal_policy %q", *c.ReversalPolicy)
		}
	}
	if c.Line != nil {
		if err := c.Line.Validate(); err != nil {
			return fmt.Errorf("invalid line: %w", err)
		}
	}
	return nil
}

// GetMaxConcurrentJobs returns the max_concurrent_jobs value or the default.
func (c *Config) GetMaxConcurrentJobs() int {
	if c.MaxConcurrentJobs == nil {
		return 4
	}
	return *c.MaxConcurrentJobs
}

// GetJobRetention returns the terminated-job retention window.
func (c *Config) GetJobRetention() time.Duration {
	if c.JobRetentionMinutes == nil {
		return 30 * time.Minute
	}
	return time.Duration(*c.JobRetentionMinutes) * time.Minute
}

// GetControlQueueCap returns the control_queue_cap value or the default.
func (c *Config) GetControlQueueCap() int {
	if c.ControlQueueCap == nil {
		return 8
	}
	return *c.ControlQueueCap
}

// GetRTSPReconnectAttempts returns the rtsp_reconnect_attempts value or the default.
func (c *Config) GetRTSPReconnectAttempts() int {
	if c.RTSPReconnectAttempts == nil {
		return 3
	}
	return *c.RTSPReconnectAttempts
}

// GetRTSPReconnectDelay returns the delay between RTSP reconnect attempts.
func (c *Config) GetRTSPReconnectDelay() time.Duration {
	if c.RTSPReconnectDelayS == nil {
		return 5 * time.Second
	}
	return time.Duration(*c.RTSPReconnectDelayS * float64(time.Second))
}

// GetRTSPFPSCap returns the rtsp_fps_cap value or the default (uncapped).
func (c *Config) GetRTSPFPSCap() float64 {
	if c.RTSPFPSCap == nil {
		return 0
	}
	return *c.RTSPFPSCap
}

// GetDetectorEndpoint returns the detector_endpoint value or the default.
func (c *Config) GetDetectorEndpoint() string {
	if c.DetectorEndpoint == nil {
		return "http://127.0.0.1:8501"
	}
	return *c.DetectorEndpoint
}

// GetDetectorSerialize returns the detector_serialize value or the default.
func (c *Config) GetDetectorSerialize() bool {
	if c.DetectorSerialize == nil {
		return false
	}
	return *c.DetectorSerialize
}

// GetTargetClass returns the target_class value or the default.
func (c *Config) GetTargetClass() string {
	if c.TargetClass == nil {
		return "rickshaw"
	}
	return *c.TargetClass
}

// GetMinDetConf returns the min_det_conf value or the default.
func (c *Config) GetMinDetConf() float64 {
	if c.MinDetConf == nil {
		return 0.3
	}
	return *c.MinDetConf
}

// GetTrackIoUMin returns the track_iou_min value or the default.
func (c *Config) GetTrackIoUMin() float64 {
	if c.TrackIoUMin == nil {
		return 0.3
	}
	return *c.TrackIoUMin
}

// GetTrackMissMax returns the track_miss_max value or the default.
func (c *Config) GetTrackMissMax() int {
	if c.TrackMissMax == nil {
		return 30
	}
	return *c.TrackMissMax
}

// GetTrackHistoryLen returns the track_history_len value or the default.
func (c *Config) GetTrackHistoryLen() int {
	if c.TrackHistoryLen == nil {
		return 30
	}
	return *c.TrackHistoryLen
}

// GetLine returns the configured counting line or the default vertical
// mid-frame line.
func (c *Config) GetLine() track.Line {
	if c.Line == nil {
		return track.Line{X1: 50, Y1: 0, X2: 50, Y2: 100}
	}
	return *c.Line
}

// GetCrossingThresholdPx returns the crossing_threshold_px value or the default.
func (c *Config) GetCrossingThresholdPx() float64 {
	if c.CrossingThresholdPx == nil {
		return 5
	}
	return *c.CrossingThresholdPx
}

// GetReversalPolicy returns the reversal_policy value or the default.
func (c *Config) GetReversalPolicy() track.ReversalPolicy {
	if c.ReversalPolicy == nil {
		return track.AllowReversal
	}
	return track.ReversalPolicy(*c.ReversalPolicy)
}

// GetJPEGQuality returns the jpeg_quality value or the default.
func (c *Config) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 85
	}
	return *c.JPEGQuality
}

// GetOutputDir returns the output_dir value or the default.
func (c *Config) GetOutputDir() string {
	if c.OutputDir == nil {
		return "data/output"
	}
	return *c.OutputDir
}

// GetJournalPath returns the journal_path value or the default.
func (c *Config) GetJournalPath() string {
	if c.JournalPath == nil {
		return "data/events.journal"
	}
	return *c.JournalPath
}
