package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/loom/pkg/engine"
)

// ErrCorrupt reports frames or blob bytes that do not match their control record.
var ErrCorrupt = errors.New("corrupt stream triple")

// Encode packs commands into a detached packet under a new batch id.
func Encode(payload string, cmds []engine.NodeCommand) (*Packet, error) {
	if payload == "" {
		return nil, fmt.Errorf("payload type is required")
	}

	frames := make([]byte, 0, len(cmds)*FrameSize)
	var blob bytes.Buffer

	appendBlob := func(b []byte) (uint32, uint32, error) {
		if blob.Len()+len(b) > math.MaxUint32 {
			return 0, 0, fmt.Errorf("blob region exceeds %d bytes", uint32(math.MaxUint32))
		}
		off := uint32(blob.Len())
		blob.Write(b)
		return off, uint32(len(b)), nil
	}

	for i, cmd := range cmds {
		code, ok := kindCodes[cmd.Kind]
		if !ok {
			return nil, fmt.Errorf("command %d: unknown kind %q", i, cmd.Kind)
		}

		var frame [FrameSize]byte
		var flags uint16
		binary.LittleEndian.PutUint16(frame[0:], code)
		binary.LittleEndian.PutUint32(frame[4:], uint32(cmd.Node))
		binary.LittleEndian.PutUint32(frame[8:], uint32(cmd.From))
		binary.LittleEndian.PutUint32(frame[12:], uint32(cmd.To))

		off, n, err := appendBlob([]byte(cmd.Name))
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(frame[16:], off)
		binary.LittleEndian.PutUint32(frame[20:], n)

		if cmd.Graph != nil {
			flags |= flagGraph
			data, err := encodeGraph(cmd.Graph)
			if err != nil {
				return nil, fmt.Errorf("command %d: failed to marshal graph: %w", i, err)
			}
			off, n, err := appendBlob(data)
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint32(frame[24:], off)
			binary.LittleEndian.PutUint32(frame[28:], n)
		}

		off, n, err = appendBlob([]byte(cmd.ID))
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(frame[32:], off)
		binary.LittleEndian.PutUint32(frame[36:], n)
		binary.LittleEndian.PutUint16(frame[2:], flags)

		frames = append(frames, frame[:]...)
	}

	return &Packet{
		Record: ControlRecord{
			Batch:     uuid.NewString(),
			Payload:   payload,
			Count:     len(cmds),
			BlobLen:   int64(blob.Len()),
			CreatedAt: time.Now().UTC(),
		},
		Frames: frames,
		Blob:   blob.Bytes(),
	}, nil
}

// Decode unpacks the commands of one batch. frames and blob hold exactly the batch's
// regions.
func Decode(rec ControlRecord, frames, blob []byte) ([]engine.NodeCommand, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control record: %w", err)
	}
	if int64(len(frames)) != rec.FramesLen() {
		return nil, fmt.Errorf("%w: batch %s expects %d frame bytes, got %d",
			ErrCorrupt, rec.Batch, rec.FramesLen(), len(frames))
	}
	if int64(len(blob)) != rec.BlobLen {
		return nil, fmt.Errorf("%w: batch %s expects %d blob bytes, got %d",
			ErrCorrupt, rec.Batch, rec.BlobLen, len(blob))
	}

	slice := func(off, n uint32) ([]byte, error) {
		end := uint64(off) + uint64(n)
		if end > uint64(len(blob)) {
			return nil, fmt.Errorf("%w: blob range [%d,%d) out of bounds", ErrCorrupt, off, end)
		}
		return blob[off:end], nil
	}

	cmds := make([]engine.NodeCommand, 0, rec.Count)
	for i := 0; i < rec.Count; i++ {
		frame := frames[i*FrameSize : (i+1)*FrameSize]

		code := binary.LittleEndian.Uint16(frame[0:])
		kind, ok := codeKinds[code]
		if !ok {
			return nil, fmt.Errorf("%w: frame %d has unknown kind code %d", ErrCorrupt, i, code)
		}
		flags := binary.LittleEndian.Uint16(frame[2:])

		cmd := engine.NodeCommand{
			Kind: kind,
			Node: engine.NodeID(binary.LittleEndian.Uint32(frame[4:])),
			From: engine.NodeID(binary.LittleEndian.Uint32(frame[8:])),
			To:   engine.NodeID(binary.LittleEndian.Uint32(frame[12:])),
		}

		name, err := slice(binary.LittleEndian.Uint32(frame[16:]), binary.LittleEndian.Uint32(frame[20:]))
		if err != nil {
			return nil, fmt.Errorf("frame %d name: %w", i, err)
		}
		cmd.Name = string(name)

		if flags&flagGraph != 0 {
			data, err := slice(binary.LittleEndian.Uint32(frame[24:]), binary.LittleEndian.Uint32(frame[28:]))
			if err != nil {
				return nil, fmt.Errorf("frame %d graph: %w", i, err)
			}
			g, err := decodeGraph(data)
			if err != nil {
				return nil, fmt.Errorf("frame %d graph: %w", i, err)
			}
			cmd.Graph = g
		}

		id, err := slice(binary.LittleEndian.Uint32(frame[32:]), binary.LittleEndian.Uint32(frame[36:]))
		if err != nil {
			return nil, fmt.Errorf("frame %d id: %w", i, err)
		}
		cmd.ID = string(id)

		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// ControlEncoder writes control records as JSON lines.
type ControlEncoder struct {
	w *bufio.Writer
}

// NewControlEncoder creates a control encoder writing to w.
func NewControlEncoder(w io.Writer) *ControlEncoder {
	return &ControlEncoder{w: bufio.NewWriter(w)}
}

// Encode writes one record and flushes.
func (e *ControlEncoder) Encode(rec *ControlRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid control record: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal control record: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write control record: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// ControlDecoder reads control records from JSON lines.
type ControlDecoder struct {
	r *bufio.Scanner
}

// NewControlDecoder creates a control decoder reading from r.
func NewControlDecoder(r io.Reader) *ControlDecoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &ControlDecoder{r: scanner}
}

// Decode reads the next record. It returns io.EOF at the end of the stream.
func (d *ControlDecoder) Decode() (*ControlRecord, error) {
	for d.r.Scan() {
		line := bytes.TrimSpace(d.r.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec ControlRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal control record: %w", err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid control record: %w", err)
		}
		return &rec, nil
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}
