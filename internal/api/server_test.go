package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossings.report/internal/db"
	"github.com/banshee-data/crossings.report/internal/jobs"
	"github.com/banshee-data/crossings.report/internal/track"
	"github.com/banshee-data/crossings.report/internal/video"
)

type stubSource struct {
	closed chan struct{}
	once   sync.Once
}

func (s *stubSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, context.Canceled
	case <-s.closed:
		return nil, io.EOF
	case <-time.After(time.Millisecond):
		return []byte("\xff\xd8frame\xff\xd9"), nil
	}
}

func (s *stubSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type stubFactory struct{}

func (stubFactory) Opener(jobs.Descriptor) (jobs.SourceOpener, error) {
	return jobs.OpenerFunc(func(int64) (video.FrameSource, error) {
		return &stubSource{closed: make(chan struct{})}, nil
	}), nil
}

func (stubFactory) Encoder(jobs.Descriptor) (jobs.FrameEncoder, error) { return nil, nil }

type stubDetector struct {
	detections []track.Detection
	err        error
}

func (d *stubDetector) Detect(context.Context, []byte) ([]track.Detection, error) {
	return d.detections, d.err
}

type nopStore struct{}

func (nopStore) RecordEvent(context.Context, *db.Event) error           { return nil }
func (nopStore) RecordCompletion(context.Context, *db.Completion) error { return nil }

type fixture struct {
	server    *Server
	ts        *httptest.Server
	database  *db.DB
	manager   *jobs.Manager
	detector  *stubDetector
	uploadDir string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, jobs.ManagerConfig{})
}

func newFixtureWith(t *testing.T, mcfg jobs.ManagerConfig) *fixture {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "crossings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mcfg.CrossingThresholdPx = 2
	mcfg.ReversalPolicy = track.AllowReversal
	detector := &stubDetector{}
	manager := jobs.NewManager(mcfg, detector, nopStore{}, stubFactory{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	uploadDir := t.TempDir()
	srv := NewServer(manager, database, detector, Config{
		UploadDir: uploadDir,
		OutputDir: "",
		Line:      track.Line{X1: 50, Y1: 0, X2: 50, Y2: 100},
	})
	srv.probe = func(_ context.Context, _ string) (*video.StreamInfo, error) {
		return &video.StreamInfo{Width: 100, Height: 100, FPS: 30, FrameCount: 900}, nil
	}

	ts := httptest.NewServer(srv.ServeMux())
	t.Cleanup(ts.Close)
	return &fixture{
		server: srv, ts: ts, database: database,
		manager: manager, detector: detector, uploadDir: uploadDir,
	}
}

func uploadRequest(t *testing.T, url, field, filename string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestSubmitVideoLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := uploadRequest(t, f.ts.URL+"/jobs/video?camera_id=cam-9", "file", "traffic.mp4", []byte("not-really-mp4"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[map[string]string](t, resp)
	jobID := submitted["job_id"]
	require.NotEmpty(t, jobID)

	resp, err = http.Get(f.ts.URL + "/jobs/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[jobs.Status](t, resp)
	assert.Equal(t, jobID, status.JobID)
	assert.Equal(t, "cam-9", status.CameraID)
	assert.Equal(t, "traffic.mp4", status.CameraName)

	resp, err = http.Get(f.ts.URL + "/jobs")
	require.NoError(t, err)
	listed := decodeBody[map[string][]jobs.Status](t, resp)
	require.Len(t, listed["jobs"], 1)

	waitForPhase(t, f, jobID, jobs.PhaseRunning)

	resp, err = http.Post(f.ts.URL+"/jobs/"+jobID+"/pause", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, f, jobID, jobs.PhasePaused)

	resp, err = http.Post(f.ts.URL+"/jobs/"+jobID+"/resume", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, f, jobID, jobs.PhaseRunning)

	resp = postJSON(t, f.ts.URL+"/jobs/"+jobID+"/seek", seekRequest{DeltaFrames: 30})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(f.ts.URL+"/jobs/"+jobID+"/stop", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, f, jobID, jobs.PhaseStopped)
}

func waitForPhase(t *testing.T, f *fixture, jobID string, phase jobs.Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := f.manager.Status(jobID)
		if err == nil && s.Phase == phase {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, phase)
}

func TestSubmitVideoRejectsNonMultipart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/jobs/video", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, string(jobs.CodeInvalidInput), body["code"])
}

func TestSubmitVideoUndecodableFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.server.probe = func(context.Context, string) (*video.StreamInfo, error) {
		return nil, errors.New("no video stream found")
	}

	req := uploadRequest(t, f.ts.URL+"/jobs/video", "file", "cat.gif", []byte("gif89a"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, string(jobs.CodeInvalidInput), body["code"])
}

func TestShowJobNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/jobs/no-such-job")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, string(jobs.CodeNotFound), body["code"])
}

func TestSubmitRTSP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("missing fields", func(t *testing.T) {
		resp := postJSON(t, f.ts.URL+"/jobs/rtsp", rtspRequest{CameraID: "cam-1"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("accepted with stream url", func(t *testing.T) {
		resp := postJSON(t, f.ts.URL+"/jobs/rtsp", rtspRequest{
			CameraID: "cam-1", RTSPURL: "rtsp://cam-1.local/stream",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		body := decodeBody[map[string]string](t, resp)
		require.NotEmpty(t, body["job_id"])
		assert.Equal(t, "/stream/"+body["job_id"], body["stream_url"])
	})

	t.Run("duplicate camera conflicts", func(t *testing.T) {
		resp := postJSON(t, f.ts.URL+"/jobs/rtsp", rtspRequest{
			CameraID: "cam-1", RTSPURL: "rtsp://cam-1.local/stream",
		})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		body := decodeBody[map[string]string](t, resp)
		assert.Equal(t, string(jobs.CodeAlreadyExists), body["code"])
	})

	t.Run("unreachable source", func(t *testing.T) {
		f2 := newFixture(t)
		f2.server.probe = func(context.Context, string) (*video.StreamInfo, error) {
			return nil, errors.New("connection refused")
		}
		resp := postJSON(t, f2.ts.URL+"/jobs/rtsp", rtspRequest{
			CameraID: "cam-1", RTSPURL: "rtsp://down.local/stream",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestRTSPTest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := postJSON(t, f.ts.URL+"/rtsp/test", rtspTestRequest{RTSPURL: "rtsp://cam.local/stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(100), body["width"])
	assert.Equal(t, float64(30), body["fps"])

	f.server.probe = func(context.Context, string) (*video.StreamInfo, error) {
		return nil, errors.New("connection timed out")
	}
	resp = postJSON(t, f.ts.URL+"/rtsp/test", rtspTestRequest{RTSPURL: "rtsp://down.local/stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[map[string]any](t, resp)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["reason"], "timed out")
}

func TestDetectImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.detector.detections = []track.Detection{{
		BBox:       track.BBox{X1: 10, Y1: 20, X2: 110, Y2: 220},
		Confidence: 0.87,
		Class:      "rickshaw",
	}}

	req := uploadRequest(t, f.ts.URL+"/detect/image", "file", "still.jpg", []byte("\xff\xd8jpeg\xff\xd9"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Detections []imageDetection `json:"detections"`
		Count      int              `json:"count"`
	}](t, resp)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "rickshaw", body.Detections[0].Class)
	assert.Equal(t, [4]float64{10, 20, 110, 220}, body.Detections[0].BBox)

	f.detector.err = errors.New("sidecar down")
	req = uploadRequest(t, f.ts.URL+"/detect/image", "file", "still.jpg", []byte("x"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()
}

func TestListEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seed := func(eventType, camera, ts string) {
		require.NoError(t, f.database.RecordEvent(ctx, &db.Event{
			EventType: eventType, CameraID: camera, TrackID: 1,
			Confidence: 0.9, Timestamp: ts, FrameIndex: 5,
			BBox: [4]int{1, 2, 3, 4}, LineID: "main",
		}))
	}
	seed("entry", "cam-1", "2026-08-24T10:00:00Z")
	seed("exit", "cam-1", "2026-08-24T11:00:00Z")
	seed("entry", "cam-2", "2026-08-24T12:00:00Z")

	type eventPage struct {
		Events       []db.Event `json:"events"`
		Count        int        `json:"count"`
		TotalEntries int64      `json:"total_entries"`
		TotalExits   int64      `json:"total_exits"`
	}

	resp, err := http.Get(f.ts.URL + "/events")
	require.NoError(t, err)
	page := decodeBody[eventPage](t, resp)
	assert.Equal(t, 3, page.Count)
	assert.Equal(t, int64(2), page.TotalEntries)
	assert.Equal(t, int64(1), page.TotalExits)

	resp, err = http.Get(f.ts.URL + "/events?event_type=exit&camera_id=cam-1")
	require.NoError(t, err)
	page = decodeBody[eventPage](t, resp)
	require.Equal(t, 1, page.Count)
	assert.Equal(t, "exit", page.Events[0].EventType)

	resp, err = http.Get(f.ts.URL + "/events?limit=1")
	require.NoError(t, err)
	page = decodeBody[eventPage](t, resp)
	require.Equal(t, 1, page.Count)
	assert.Equal(t, "2026-08-24T12:00:00Z", page.Events[0].Timestamp, "newest first")

	resp, err = http.Get(f.ts.URL + "/events?event_type=sideways")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/events?limit=bogus")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamMJPEG(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := uploadRequest(t, f.ts.URL+"/jobs/video", "file", "traffic.mp4", []byte("payload"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	jobID := decodeBody[map[string]string](t, resp)["job_id"]
	waitForPhase(t, f, jobID, jobs.PhaseRunning)

	stream, err := http.Get(f.ts.URL + "/stream/" + jobID)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	mediaType, params, err := mime.ParseMediaType(stream.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	boundary := params["boundary"]
	require.GreaterOrEqual(t, len(boundary), 16)

	mr := multipart.NewReader(stream.Body, boundary)
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		payload, err := io.ReadAll(part)
		require.NoError(t, err)
		declared, err := strconv.Atoi(part.Header.Get("Content-Length"))
		require.NoError(t, err)
		assert.Equal(t, declared, len(payload))
		assert.NotEmpty(t, payload)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/stream/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body, "stream 404 carries no payload")
}

func TestSubmitVideoRejectionRemovesUpload(t *testing.T) {
	t.Parallel()
	f := newFixtureWith(t, jobs.ManagerConfig{MaxConcurrentJobs: 1})

	// Occupy the single job slot.
	resp := postJSON(t, f.ts.URL+"/jobs/rtsp", rtspRequest{
		CameraID: "cam-1", RTSPURL: "rtsp://cam-1.local/stream",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	req := uploadRequest(t, f.ts.URL+"/jobs/video", "file", "traffic.mp4", []byte("payload"))
	rejected, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, rejected.StatusCode)
	body := decodeBody[map[string]string](t, rejected)
	assert.Equal(t, string(jobs.CodeResourceExhausted), body["code"])

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected upload is removed from disk")
}
