package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/crossings.report/internal/db"
	"github.com/banshee-data/crossings.report/internal/httputil"
	"github.com/banshee-data/crossings.report/internal/jobs"
	"github.com/banshee-data/crossings.report/internal/track"
)

type rtspTestRequest struct {
	RTSPURL string `json:"rtsp_url"`
}

// testRTSP probes an RTSP URL without starting a job.
func (s *Server) testRTSP(w http.ResponseWriter, r *http.Request) {
	var req rtspTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RTSPURL == "" {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "rtsp_url is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	info, err := s.probe(ctx, req.RTSPURL)
	if err != nil {
		httputil.WriteJSONOK(w, map[string]any{"ok": false, "reason": err.Error()})
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"ok":     true,
		"width":  info.Width,
		"height": info.Height,
		"fps":    info.FPS,
	})
}

type imageDetection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// detectImage runs the detector on a single uploaded still image.
func (s *Server) detectImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "expected multipart form upload")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "missing multipart field file")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		httputil.InternalServerError(w, "read image upload")
		return
	}

	detections, err := s.detector.Detect(r.Context(), image)
	if err != nil {
		s.writeError(w, jobs.Wrap(jobs.CodeDetectorError, err, "detector request failed"))
		return
	}

	out := make([]imageDetection, 0, len(detections))
	for _, d := range detections {
		out = append(out, imageDetection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       [4]float64{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
		})
	}
	httputil.WriteJSONOK(w, map[string]any{"detections": out, "count": len(out)})
}

// listEvents returns persisted crossing events, newest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.EventFilter{
		StartTime: q.Get("start_date"),
		EndTime:   q.Get("end_date"),
		CameraID:  q.Get("camera_id"),
	}

	if et := q.Get("event_type"); et != "" {
		if et != string(track.DirEntry) && et != string(track.DirExit) {
			httputil.WriteJSONCodedError(w, http.StatusBadRequest,
				string(jobs.CodeInvalidInput), "event_type must be entry or exit")
			return
		}
		filter.EventType = et
	}
	for param, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(param); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httputil.WriteJSONCodedError(w, http.StatusBadRequest,
					string(jobs.CodeInvalidInput), "invalid "+param+" parameter")
				return
			}
			*dst = n
		}
	}

	events, err := s.db.ReadEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, jobs.Wrap(jobs.CodeStoreError, err, "read events"))
		return
	}
	entries, exits, err := s.db.CountEvents(r.Context(), filter.CameraID)
	if err != nil {
		s.writeError(w, jobs.Wrap(jobs.CodeStoreError, err, "count events"))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"events":        events,
		"count":         len(events),
		"total_entries": entries,
		"total_exits":   exits,
	})
}
