package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/crossings.report/internal/httputil"
	"github.com/banshee-data/crossings.report/internal/jobs"
	"github.com/banshee-data/crossings.report/internal/security"
)

// maxUploadBytes caps video uploads at 512 MiB.
const maxUploadBytes = 512 << 20

// saveUpload writes the uploaded part to the upload directory under a
// sanitized, timestamped name and returns the stored path.
func (s *Server) saveUpload(r *http.Request, field string) (path, original string, err error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", jobs.Wrap(jobs.CodeInvalidInput, err, "missing multipart field "+field)
	}
	defer file.Close()

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create upload directory: %w", err)
	}

	name := security.SanitizeFilename(header.Filename)
	dest := filepath.Join(s.config.UploadDir,
		fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	if err := security.ValidatePathWithinDirectory(dest, s.config.UploadDir); err != nil {
		return "", "", jobs.Wrap(jobs.CodeInvalidInput, err, "invalid upload filename")
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", "", fmt.Errorf("create upload file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		os.Remove(dest)
		return "", "", fmt.Errorf("store upload: %w", err)
	}
	return dest, header.Filename, nil
}

func (s *Server) submitVideo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "expected multipart form upload")
		return
	}

	path, original, err := s.saveUpload(r, "file")
	if err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.probe(r.Context(), path)
	if err != nil {
		os.Remove(path)
		s.writeError(w, jobs.Wrap(jobs.CodeInvalidInput, err, "not a decodable video"))
		return
	}

	countEnabled := true
	if v := r.URL.Query().Get("count_enabled"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteJSONCodedError(w, http.StatusBadRequest,
				string(jobs.CodeInvalidInput), "invalid count_enabled value")
			return
		}
		countEnabled = parsed
	}
	cameraID := r.URL.Query().Get("camera_id")
	if cameraID == "" {
		cameraID = "upload"
	}

	outputPath := ""
	if s.config.OutputDir != "" {
		base := filepath.Base(path)
		outputPath = filepath.Join(s.config.OutputDir,
			base[:len(base)-len(filepath.Ext(base))]+"_annotated.mp4")
	}

	id, err := s.manager.Submit(jobs.Descriptor{
		Kind:         jobs.KindFileVideo,
		Source:       path,
		CameraID:     cameraID,
		CameraName:   original,
		CountEnabled: countEnabled,
		Line:         s.config.Line,
		OutputPath:   outputPath,
		Properties:   *info,
	})
	if err != nil {
		os.Remove(path)
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

type rtspRequest struct {
	CameraID   string  `json:"camera_id"`
	RTSPURL    string  `json:"rtsp_url"`
	CameraName string  `json:"camera_name"`
	FPSCap     float64 `json:"fps_cap"`
}

func (s *Server) submitRTSP(w http.ResponseWriter, r *http.Request) {
	var req rtspRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "invalid request body")
		return
	}
	if req.CameraID == "" || req.RTSPURL == "" {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "camera_id and rtsp_url are required")
		return
	}

	info, err := s.probe(r.Context(), req.RTSPURL)
	if err != nil {
		s.writeError(w, jobs.Wrap(jobs.CodeSourceUnavailable, err, "rtsp source unreachable"))
		return
	}

	id, err := s.manager.Submit(jobs.Descriptor{
		Kind:         jobs.KindRTSPStream,
		Source:       req.RTSPURL,
		CameraID:     req.CameraID,
		CameraName:   req.CameraName,
		CountEnabled: true,
		Line:         s.config.Line,
		FPSCap:       req.FPSCap,
		Properties:   *info,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     id,
		"stream_url": "/stream/" + id,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{"jobs": s.manager.List()})
}

func (s *Server) showJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, status)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Pause(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"ok": true})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Resume(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"ok": true})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Stop(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"ok": true, "status": status})
}

type seekRequest struct {
	DeltaFrames int64 `json:"delta_frames"`
}

func (s *Server) seekJob(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONCodedError(w, http.StatusBadRequest,
			string(jobs.CodeInvalidInput), "invalid request body")
		return
	}
	if err := s.manager.Seek(r.PathValue("id"), req.DeltaFrames); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"ok": true})
}
