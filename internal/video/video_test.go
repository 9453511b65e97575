package video

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossings.report/internal/track"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestExtractJPEG(t *testing.T) {
	t.Parallel()

	jpg := encodeTestJPEG(t, 32, 24)

	t.Run("single complete frame", func(t *testing.T) {
		t.Parallel()
		frame, rest := extractJPEG(jpg)
		require.NotNil(t, frame)
		assert.Equal(t, jpg, frame)
		assert.Empty(t, rest)
	})

	t.Run("incomplete frame stays buffered", func(t *testing.T) {
		t.Parallel()
		frame, rest := extractJPEG(jpg[:len(jpg)-2])
		assert.Nil(t, frame)
		assert.Len(t, rest, len(jpg)-2)
	})

	t.Run("two frames with pipe noise between", func(t *testing.T) {
		t.Parallel()
		buf := append([]byte{0x00, 0x01}, jpg...)
		buf = append(buf, jpg...)

		first, rest := extractJPEG(buf)
		require.NotNil(t, first)
		assert.Equal(t, jpg, first)

		second, rest := extractJPEG(rest)
		require.NotNil(t, second)
		assert.Equal(t, jpg, second)
		assert.Empty(t, rest)
	})

	t.Run("empty buffer", func(t *testing.T) {
		t.Parallel()
		frame, rest := extractJPEG(nil)
		assert.Nil(t, frame)
		assert.Empty(t, rest)
	})
}

func TestParseRate(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 25.0, parseRate("25/1"), 1e-9)
	assert.InDelta(t, 29.97, parseRate("30000/1001"), 0.001)
	assert.InDelta(t, 30.0, parseRate("30"), 1e-9)
	assert.Zero(t, parseRate("0/0"))
	assert.Zero(t, parseRate("garbage"))
}

func TestAnnotatePreservesDimensions(t *testing.T) {
	t.Parallel()

	src := encodeTestJPEG(t, 160, 120)
	a := &Annotator{
		Line:    track.Line{X1: 50, Y1: 0, X2: 50, Y2: 100},
		Quality: 85,
	}
	out := a.Annotate(src, Overlay{
		Tracks: []track.Track{
			{ID: 1, BBox: track.BBox{X1: 10, Y1: 10, X2: 60, Y2: 60}, Confidence: 0.9},
		},
		Entries:    3,
		Exits:      1,
		FrameIndex: 42,
		Label:      "gate-cam",
	})

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	assert.Equal(t, 120, img.Bounds().Dy())
	assert.NotEqual(t, src, out, "overlay changes the image")
}

func TestAnnotatePassesThroughBadJPEG(t *testing.T) {
	t.Parallel()

	a := &Annotator{Line: track.Line{X1: 50, Y1: 0, X2: 50, Y2: 100}}
	garbage := []byte{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, garbage, a.Annotate(garbage, Overlay{}))
}
