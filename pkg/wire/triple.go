package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/loom/pkg/engine"
)

// Stream names within a directory triple.
const (
	ControlStream = "control"
	FramesStream  = "frames"
	BlobStream    = "blob"
)

// Stream is one append-only byte stream of a triple.
type Stream interface {
	io.Writer

	// Bytes returns the full stream contents.
	Bytes() ([]byte, error)

	// Size returns the current stream length.
	Size() (int64, error)
}

// Triple groups the control, frames and blob streams.
type Triple struct {
	Control Stream
	Frames  Stream
	Blob    Stream

	mu sync.Mutex
}

// NewMemoryTriple creates a triple backed by in-memory buffers.
func NewMemoryTriple() *Triple {
	return &Triple{
		Control: &memoryStream{},
		Frames:  &memoryStream{},
		Blob:    &memoryStream{},
	}
}

// OpenDirTriple opens a triple stored as three files in dir, creating the directory if
// needed. Writes append to existing files.
func OpenDirTriple(dir string) (*Triple, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create triple directory: %w", err)
	}
	return &Triple{
		Control: &fileStream{path: filepath.Join(dir, ControlStream)},
		Frames:  &fileStream{path: filepath.Join(dir, FramesStream)},
		Blob:    &fileStream{path: filepath.Join(dir, BlobStream)},
	}, nil
}

// Send encodes cmds as one batch and appends it to the triple. Frames and blob are
// written before the control record so a reader never sees an index pointing past the
// data.
func Send(t *Triple, payload string, cmds []engine.NodeCommand) (*ControlRecord, error) {
	pkt, err := Encode(payload, cmds)
	if err != nil {
		return nil, err
	}
	return t.Append(pkt)
}

// Append writes an encoded packet to the triple and returns its record with stream
// offsets filled in.
func (t *Triple) Append(pkt *Packet) (*ControlRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	framesOff, err := t.Frames.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to size frames stream: %w", err)
	}
	blobOff, err := t.Blob.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to size blob stream: %w", err)
	}

	if _, err := t.Frames.Write(pkt.Frames); err != nil {
		return nil, fmt.Errorf("failed to write frames: %w", err)
	}
	if _, err := t.Blob.Write(pkt.Blob); err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	rec := pkt.Record
	rec.FramesOffset = framesOff
	rec.BlobOffset = blobOff
	if err := NewControlEncoder(t.Control).Encode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Receive decodes every batch in the triple, in the order they were sent.
func Receive(t *Triple) ([]Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	control, err := t.Control.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read control stream: %w", err)
	}
	frames, err := t.Frames.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read frames stream: %w", err)
	}
	blob, err := t.Blob.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read blob stream: %w", err)
	}

	var batches []Batch
	dec := NewControlDecoder(bytes.NewReader(control))
	for {
		rec, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		fEnd := rec.FramesOffset + rec.FramesLen()
		bEnd := rec.BlobOffset + rec.BlobLen
		if fEnd > int64(len(frames)) || bEnd > int64(len(blob)) {
			return nil, fmt.Errorf("%w: batch %s points past the end of the streams", ErrCorrupt, rec.Batch)
		}

		cmds, err := Decode(*rec, frames[rec.FramesOffset:fEnd], blob[rec.BlobOffset:bEnd])
		if err != nil {
			return nil, err
		}
		batches = append(batches, Batch{Record: *rec, Commands: cmds})
	}
	return batches, nil
}

type memoryStream struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *memoryStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memoryStream) Bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes()), nil
}

func (s *memoryStream) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.buf.Len()), nil
}

type fileStream struct {
	path string
}

func (s *fileStream) Write(p []byte) (int, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(p)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *fileStream) Bytes() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s *fileStream) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
