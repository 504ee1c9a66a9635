package store

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdframe/internal/bwr"
	"epdframe/internal/convert"
	"epdframe/internal/frame"
)

func testPlanes(t *testing.T, w, h int) convert.Planes {
	t.Helper()
	tri := bwr.NewTriLevel(w, h)
	tri.SetLevel(0, 0, bwr.Black)
	tri.SetLevel(w-1, h-1, bwr.Red)
	p, err := convert.Pack(tri, w, h)
	require.NoError(t, err)
	return p
}

func TestFrameRoundTrip(t *testing.T) {
	p := testPlanes(t, 176, 264)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, p))
	assert.Less(t, buf.Len(), 2*p.Width()*p.Height()/8)

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestReadFrameRejects(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte("not zstd at all")))
	assert.Error(t, err)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	hdr := append(magic[:], 0, 16, 0, 2)

	// 16x2 needs 8 plane bytes.
	_, err = ReadFrame(bytes.NewReader(enc.EncodeAll(append(hdr, 1, 2, 3), nil)))
	assert.ErrorContains(t, err, "read planes")

	_, err = ReadFrame(bytes.NewReader(enc.EncodeAll(append(hdr, make([]byte, 9)...), nil)))
	assert.ErrorIs(t, err, convert.ErrMalformed)

	_, err = ReadFrame(bytes.NewReader(enc.EncodeAll([]byte("EPDFRAMX\x00\x10\x00\x02"), nil)))
	assert.ErrorIs(t, err, convert.ErrMalformed)

	require.ErrorIs(t, WriteFrame(&bytes.Buffer{}, convert.Planes{}), convert.ErrMalformed)
}

func TestRecordLoad(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "dump"))
	require.NoError(t, err)

	p := testPlanes(t, 176, 264)
	at := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	th := bwr.Thresholds{Hue: 0.5, Sat: 0.25, Val: 0.125}
	require.NoError(t, d.Record(frame.Snapshot{
		Planes: p, Thresholds: th, Quantized: true,
		Source: "inspirobot", At: at, Took: 1500 * time.Millisecond,
	}))

	got, meta, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, "inspirobot", meta.Source)
	assert.Equal(t, int64(1500), meta.TookMillis)
	assert.True(t, meta.At.Equal(at))
	require.NotNil(t, meta.Thresholds)
	assert.Equal(t, th, *meta.Thresholds)

	f, err := os.Open(d.PreviewPath())
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 176, img.Bounds().Dx())
	r, g, b, _ := img.At(175, 263).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0, 0}, [3]uint32{r, g, b})

	matches, _ := filepath.Glob(filepath.Join(d.Path(), ".epdframe-*.tmp"))
	assert.Empty(t, matches)
}

func TestLoadMissing(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	_, _, err = d.Load()
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Open("")
	assert.Error(t, err)
}
