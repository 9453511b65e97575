// Package detect wraps the external object-detection sidecar. The sidecar
// is an HTTP service that accepts a JPEG and returns boxed detections; this
// package hides the wire format behind the Detector interface so workers
// and tests are independent of the transport.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/crossings.report/internal/httputil"
	"github.com/banshee-data/crossings.report/internal/track"
)

// Detector runs object detection on a single encoded JPEG frame.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]track.Detection, error)
}

// HealthInfo is the sidecar's self-reported status.
type HealthInfo struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

type wireDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

type wireResult struct {
	Detections      []wireDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
}

// ClientConfig configures the sidecar client.
type ClientConfig struct {
	Endpoint      string
	TargetClass   string  // keep only this class; empty keeps everything
	MinConfidence float64 // drop detections below this confidence
	Serialize     bool    // allow at most one in-flight request to the sidecar
	Timeout       time.Duration
}

// Client talks to the detection sidecar over HTTP. Safe for concurrent use;
// with Serialize set, concurrent callers queue on a mutex so a single-GPU
// sidecar is never given overlapping work.
type Client struct {
	config ClientConfig
	client httputil.HTTPClient

	serialize sync.Mutex
}

// NewClient creates a sidecar client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Client{
		config: config,
		client: httputil.NewStandardClient(&http.Client{Timeout: config.Timeout}),
	}
}

// Health queries the sidecar's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector health check returned status %d", resp.StatusCode)
	}
	var health HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode detector health response: %w", err)
	}
	return &health, nil
}

// Detect posts the JPEG to the sidecar and returns detections filtered by
// the configured class and confidence floor.
func (c *Client) Detect(ctx context.Context, jpeg []byte) ([]track.Detection, error) {
	if c.config.Serialize {
		c.serialize.Lock()
		defer c.serialize.Unlock()
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(jpeg); err != nil {
		return nil, err
	}
	if c.config.MinConfidence > 0 {
		w.WriteField("conf_threshold", fmt.Sprintf("%.3f", c.config.MinConfidence))
	}
	if c.config.TargetClass != "" {
		w.WriteField("classes_filter", c.config.TargetClass)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, body)
	}

	var result wireResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}

	detections := make([]track.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) != 4 {
			continue
		}
		if c.config.TargetClass != "" && d.Class != c.config.TargetClass {
			continue
		}
		if d.Confidence < c.config.MinConfidence {
			continue
		}
		bbox := track.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		if !bbox.Valid() {
			continue
		}
		detections = append(detections, track.Detection{
			BBox:       bbox,
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
			Class:      d.Class,
		})
	}
	return detections, nil
}
