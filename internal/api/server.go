// Package api exposes the job control surface, the event log, and the live
// MJPEG streams over HTTP.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/crossings.report/internal/db"
	"github.com/banshee-data/crossings.report/internal/detect"
	"github.com/banshee-data/crossings.report/internal/httputil"
	"github.com/banshee-data/crossings.report/internal/jobs"
	"github.com/banshee-data/crossings.report/internal/track"
	"github.com/banshee-data/crossings.report/internal/video"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// ProbeFunc inspects a video input and returns its stream properties.
// Production wiring uses video.Probe; tests substitute a stub.
type ProbeFunc func(ctx context.Context, input string) (*video.StreamInfo, error)

// Config carries the server's file locations and counting defaults.
type Config struct {
	UploadDir string     // incoming video uploads
	OutputDir string     // annotated MP4 outputs
	Line      track.Line // default counting line for submitted jobs
}

type Server struct {
	manager  *jobs.Manager
	db       *db.DB
	detector detect.Detector
	config   Config
	probe    ProbeFunc
}

func NewServer(manager *jobs.Manager, database *db.DB, detector detect.Detector, config Config) *Server {
	return &Server{
		manager:  manager,
		db:       database,
		detector: detector,
		config:   config,
		probe:    video.Probe,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs/video", s.submitVideo)
	mux.HandleFunc("POST /jobs/rtsp", s.submitRTSP)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /jobs/{id}", s.showJob)
	mux.HandleFunc("POST /jobs/{id}/pause", s.pauseJob)
	mux.HandleFunc("POST /jobs/{id}/resume", s.resumeJob)
	mux.HandleFunc("POST /jobs/{id}/stop", s.stopJob)
	mux.HandleFunc("POST /jobs/{id}/seek", s.seekJob)
	mux.HandleFunc("GET /stream/{id}", s.streamJob)
	mux.HandleFunc("POST /rtsp/test", s.testRTSP)
	mux.HandleFunc("POST /detect/image", s.detectImage)
	mux.HandleFunc("GET /events", s.listEvents)
	mux.HandleFunc("GET /healthz", s.health)
	return mux
}

// httpStatus maps a job error code to an HTTP status.
func httpStatus(code jobs.Code) int {
	switch code {
	case jobs.CodeInvalidInput:
		return http.StatusBadRequest
	case jobs.CodeNotFound:
		return http.StatusNotFound
	case jobs.CodeAlreadyExists, jobs.CodeInvalidState:
		return http.StatusConflict
	case jobs.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case jobs.CodeSourceUnavailable, jobs.CodeDetectorError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its machine code and the mapped HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := jobs.CodeOf(err)
	httputil.WriteJSONCodedError(w, httpStatus(code), string(code), err.Error())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"ok": true}
	if hc, ok := s.detector.(interface {
		Health(ctx context.Context) (*detect.HealthInfo, error)
	}); ok {
		if info, err := hc.Health(r.Context()); err != nil {
			status["detector"] = "unreachable"
		} else {
			status["detector"] = info.Status
		}
	}
	httputil.WriteJSONOK(w, status)
}
