package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/crossings.report/internal/jobs"
)

// randomBoundary returns a fresh 16-character hex boundary. Generating one
// per response keeps frame payloads from colliding with the delimiter.
func randomBoundary() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// streamJob serves a job's annotated frames as multipart/x-mixed-replace
// MJPEG. The stream follows the broadcaster: a slow client skips to the
// newest frame, and the response ends without a terminating boundary when
// the job terminates or the client disconnects.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	broadcaster, err := s.manager.Broadcaster(r.PathValue("id"))
	if err != nil {
		// A bodyless 404: MJPEG clients treat any payload as stream data.
		if jobs.CodeOf(err) == jobs.CodeNotFound {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subID, frames := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(subID)

	boundary := randomBoundary()
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return // job ended
			}
			if _, err := fmt.Fprintf(w,
				"--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
				boundary, len(frame.JPEG)); err != nil {
				return
			}
			if _, err := w.Write(frame.JPEG); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
