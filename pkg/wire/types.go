// Package wire encodes NodeCommand batches onto a stream triple: a JSON-lines control
// index, fixed-size little-endian frame records and a variable-length blob region.
package wire

import (
	"fmt"
	"time"

	"github.com/openfroyo/loom/pkg/engine"
)

// FrameSize is the size in bytes of one frame record.
//
// Layout (little-endian):
//
//	0  kind   uint16
//	2  flags  uint16
//	4  node   uint32
//	8  from   uint32
//	12 to     uint32
//	16 name   offset uint32, length uint32
//	24 graph  offset uint32, length uint32
//	32 id     offset uint32, length uint32
//
// Offsets are relative to the batch's blob region.
const FrameSize = 40

// PayloadNodeCommand is the payload type of NodeCommand batches.
const PayloadNodeCommand = "node_command"

// Frame flags.
const (
	flagGraph uint16 = 1 << iota
)

// kindCodes maps command kinds to their frame encoding. Zero is never used.
var kindCodes = map[engine.CommandKind]uint16{
	engine.CommandActivate: 1,
	engine.CommandPause:    2,
	engine.CommandResume:   3,
	engine.CommandReset:    4,
	engine.CommandCancel:   5,
	engine.CommandSpawn:    6,
	engine.CommandUpdate:   7,
	engine.CommandCustom:   8,
	engine.CommandSwap:     9,
}

var codeKinds = func() map[uint16]engine.CommandKind {
	out := make(map[uint16]engine.CommandKind, len(kindCodes))
	for k, c := range kindCodes {
		out[c] = k
	}
	return out
}()

// ControlRecord is one line of the control stream. It indexes a batch within the frames
// and blob streams.
type ControlRecord struct {
	Batch        string    `json:"batch"`
	Payload      string    `json:"payload"`
	Count        int       `json:"count"`
	FramesOffset int64     `json:"frames_offset"`
	BlobOffset   int64     `json:"blob_offset"`
	BlobLen      int64     `json:"blob_len"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks the record's internal consistency.
func (r *ControlRecord) Validate() error {
	if r.Batch == "" {
		return fmt.Errorf("batch id is required")
	}
	if r.Payload == "" {
		return fmt.Errorf("payload type is required")
	}
	if r.Count < 0 || r.FramesOffset < 0 || r.BlobOffset < 0 || r.BlobLen < 0 {
		return fmt.Errorf("negative count or offset in batch %s", r.Batch)
	}
	return nil
}

// FramesLen returns the number of frame bytes the batch occupies.
func (r *ControlRecord) FramesLen() int64 {
	return int64(r.Count) * FrameSize
}

// Batch is a decoded batch.
type Batch struct {
	Record   ControlRecord
	Commands []engine.NodeCommand
}

// Packet is a single encoded batch with its frames and blob detached from any stream.
// Offsets in Record are zero.
type Packet struct {
	Record ControlRecord
	Frames []byte
	Blob   []byte
}
