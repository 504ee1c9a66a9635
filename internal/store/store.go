// Package store keeps the last frame shown on disk: the packed planes
// compressed with zstd, a JSON sidecar and a PNG preview.
package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"epdframe/internal/bwr"
	"epdframe/internal/convert"
	"epdframe/internal/frame"
	"epdframe/internal/log"
)

// File names inside a store directory.
const (
	FrameFile   = "frame.bwr.zst"
	MetaFile    = "frame.json"
	PreviewFile = "preview.png"
)

var magic = [8]byte{'E', 'P', 'D', 'F', 'R', 'A', 'M', 'E'}

// maxSide bounds the dimensions accepted when reading a dump.
const maxSide = 1 << 14

// Meta describes a stored frame.
type Meta struct {
	Source     string          `json:"source"`
	At         time.Time       `json:"at"`
	TookMillis int64           `json:"took_ms"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Quantized  bool            `json:"quantized"`
	Thresholds *bwr.Thresholds `json:"thresholds,omitempty"`
}

// Dir is a store directory.
type Dir struct {
	path string
}

var _ frame.Recorder = (*Dir)(nil)

// Open creates path if needed.
func Open(path string) (*Dir, error) {
	if path == "" {
		return nil, errors.New("store: directory is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory.
func (d *Dir) Path() string { return d.path }

// PreviewPath returns the path of the PNG preview.
func (d *Dir) PreviewPath() string { return filepath.Join(d.path, PreviewFile) }

// Record implements frame.Recorder. Every file is replaced atomically.
func (d *Dir) Record(s frame.Snapshot) error {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, s.Planes); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(d.path, FrameFile), buf.Bytes()); err != nil {
		return err
	}

	preview, err := Preview(s.Planes)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(d.PreviewPath(), preview); err != nil {
		return err
	}

	meta := Meta{
		Source:     s.Source,
		At:         s.At.UTC(),
		TookMillis: s.Took.Milliseconds(),
		Width:      s.Planes.Width(),
		Height:     s.Planes.Height(),
		Quantized:  s.Quantized,
	}
	if s.Quantized {
		t := s.Thresholds
		meta.Thresholds = &t
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(d.path, MetaFile), data); err != nil {
		return err
	}
	log.Debug("store: frame recorded", "dir", d.path, "bytes", buf.Len())
	return nil
}

// Load reads the stored frame.
func (d *Dir) Load() (convert.Planes, Meta, error) {
	var meta Meta
	data, err := os.ReadFile(filepath.Join(d.path, MetaFile))
	if err != nil {
		return convert.Planes{}, meta, fmt.Errorf("store: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return convert.Planes{}, meta, fmt.Errorf("store: parse meta: %w", err)
	}

	f, err := os.Open(filepath.Join(d.path, FrameFile))
	if err != nil {
		return convert.Planes{}, meta, fmt.Errorf("store: %w", err)
	}
	defer f.Close()
	p, err := ReadFrame(bufio.NewReader(f))
	if err != nil {
		return convert.Planes{}, meta, err
	}
	return p, meta, nil
}

// WriteFrame writes p as a zstd stream: an 8 byte magic, big-endian uint16
// width and height, then the white plane and the red plane.
func WriteFrame(w io.Writer, p convert.Planes) error {
	if p.Width() <= 0 || p.Height() <= 0 || p.Width() > maxSide || p.Height() > maxSide {
		return fmt.Errorf("store: cannot write %dx%d frame: %w", p.Width(), p.Height(), convert.ErrMalformed)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	hdr := make([]byte, 0, len(magic)+4)
	hdr = append(hdr, magic[:]...)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(p.Width()))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(p.Height()))
	for _, b := range [][]byte{hdr, p.White.Pix, p.Red.Pix} {
		if _, err := enc.Write(b); err != nil {
			enc.Close()
			return fmt.Errorf("store: compress frame: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("store: compress frame: %w", err)
	}
	return nil
}

// ReadFrame reverses WriteFrame.
func ReadFrame(r io.Reader) (convert.Planes, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return convert.Planes{}, fmt.Errorf("store: %w", err)
	}
	defer dec.Close()

	var hdr [len(magic) + 4]byte
	if _, err := io.ReadFull(dec, hdr[:]); err != nil {
		return convert.Planes{}, fmt.Errorf("store: read header: %w", err)
	}
	if !bytes.Equal(hdr[:len(magic)], magic[:]) {
		return convert.Planes{}, fmt.Errorf("store: bad magic: %w", convert.ErrMalformed)
	}
	w := int(binary.BigEndian.Uint16(hdr[len(magic):]))
	h := int(binary.BigEndian.Uint16(hdr[len(magic)+2:]))
	if w == 0 || h == 0 || w > maxSide || h > maxSide {
		return convert.Planes{}, fmt.Errorf("store: frame is %dx%d: %w", w, h, convert.ErrMalformed)
	}

	p := convert.NewPlanes(w, h)
	for _, pix := range [][]byte{p.White.Pix, p.Red.Pix} {
		if _, err := io.ReadFull(dec, pix); err != nil {
			return convert.Planes{}, fmt.Errorf("store: read planes: %w", err)
		}
	}
	if n, _ := io.Copy(io.Discard, dec); n != 0 {
		return convert.Planes{}, fmt.Errorf("store: %d trailing bytes: %w", n, convert.ErrMalformed)
	}
	return p, nil
}

// Preview renders p as a PNG in the panel palette.
func Preview(p convert.Planes) ([]byte, error) {
	tri, err := convert.Unpack(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, tri.RGBA()); err != nil {
		return nil, fmt.Errorf("store: encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".epdframe-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("store: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
