// Package packet defines the wire packet model exchanged between the
// remote query executor and the shards it talks to: every inbound
// packet a replica can send, and every outbound packet the executor
// can send back.
package packet

import (
	"fmt"

	"github.com/oklog/ulid"
)

// Kind tags the payload carried by a Packet.
type Kind int

const (
	KindData Kind = iota
	KindTotals
	KindExtremes
	KindProgress
	KindProfileInfo
	KindProfileEvents
	KindLog
	KindException
	KindEndOfStream
	KindPartUUIDs
	KindReadTaskRequest
	KindMergeTreeReadTaskRequest
	KindMergeTreeAllRangesAnnouncement
	kindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindTotals:
		return "Totals"
	case KindExtremes:
		return "Extremes"
	case KindProgress:
		return "Progress"
	case KindProfileInfo:
		return "ProfileInfo"
	case KindProfileEvents:
		return "ProfileEvents"
	case KindLog:
		return "Log"
	case KindException:
		return "Exception"
	case KindEndOfStream:
		return "EndOfStream"
	case KindPartUUIDs:
		return "PartUUIDs"
	case KindReadTaskRequest:
		return "ReadTaskRequest"
	case KindMergeTreeReadTaskRequest:
		return "MergeTreeReadTaskRequest"
	case KindMergeTreeAllRangesAnnouncement:
		return "MergeTreeAllRangesAnnouncement"
	default:
		return "Unknown"
	}
}

// ColumnSchema describes one column of a Header: its name, its
// logical type, and whether the column is expected to be a constant.
type ColumnSchema struct {
	Name       string
	Type       string
	Const      bool
	ConstValue interface{}
}

// Header is a schema-only block describing the expected shape of a result.
type Header struct {
	Columns []ColumnSchema
}

// Empty reports whether the header declares no expectations at all,
// i.e. "accept anything".
func (h Header) Empty() bool {
	return len(h.Columns) == 0
}

// Get returns the schema for the named column, if present.
func (h Header) Get(name string) (ColumnSchema, bool) {
	for _, c := range h.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// String renders the header's column names and types, in declaration
// order, for use in diagnostic error messages.
func (h Header) String() string {
	s := "{"
	for i, c := range h.Columns {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s %s", c.Name, c.Type)
	}
	return s + "}"
}

// Column is one materialized column of a Block: either a full vector
// of values, or (when Const is true) a single representative value
// implicitly repeated NumRows times.
type Column struct {
	Name  string
	Type  string
	Const bool
	// Values holds NumRows entries for a regular column, or exactly
	// one entry for a constant column.
	Values []interface{}
}

// Block is a batch of rows with a schema.
type Block struct {
	Columns   []Column
	NumRows   int
	BucketNum int32
	Overflow  bool
}

// Get returns the named column, if present.
func (b *Block) Get(name string) (Column, bool) {
	for _, c := range b.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Empty reports whether the block carries zero rows. Per the wire
// protocol, a zero-row Data block is a header echo and must never be
// surfaced to a caller as data.
func (b *Block) Empty() bool {
	return b == nil || b.NumRows == 0
}

// Progress is an incremental delta reported by a replica while
// executing the query.
type Progress struct {
	ReadRows         uint64
	ReadBytes        uint64
	TotalRowsToRead  uint64
	WrittenRows      uint64
	WrittenBytes     uint64
}

// ProfileInfo carries aggregate execution counters for one replica.
type ProfileInfo struct {
	Rows               uint64
	Blocks             uint64
	Bytes              uint64
	AppliedLimit       bool
	RowsBeforeLimit    uint64
	CalculatedRowsBeforeLimit bool
}

// Exception is a remote error reported by a replica.
type Exception struct {
	Code    int32
	Message string
	Stack   string
}

func (e *Exception) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("remote exception (code %d): %s\n%s", e.Code, e.Message, e.Stack)
	}
	return fmt.Sprintf("remote exception (code %d): %s", e.Code, e.Message)
}

// ReadTaskRequest is the server asking the client for the next
// work-stealing item; it carries no payload of its own.
type ReadTaskRequest struct{}

// MergeTreeReadTaskRequest is a parallel-read range request from a
// replica participating in parallel-replica coordination.
type MergeTreeReadTaskRequest struct {
	ReplicaNumber int
	MinMarks      uint64
	Description   string
}

// MergeTreeReadTaskResponse answers a MergeTreeReadTaskRequest.
type MergeTreeReadTaskResponse struct {
	Description string
	Finish      bool
}

// MergeTreeAllRangesAnnouncement is the initial ranges descriptor a
// replica sends before requesting individual tasks.
type MergeTreeAllRangesAnnouncement struct {
	ReplicaNumber int
	Description   string
}

// ReadTaskResponse answers a ReadTaskRequest pulled from the task iterator.
type ReadTaskResponse struct {
	Path string
}

// Packet is a tagged variant of every inbound wire packet (§4.1).
// Exactly one payload field is populated, matching Kind.
type Packet struct {
	Kind Kind

	Block                          *Block
	Progress                       *Progress
	ProfileInfo                    *ProfileInfo
	ProfileEvents                  *Block
	LogRows                        *Block
	Exception                      *Exception
	PartUUIDs                      []ulid.ULID
	ReadTaskRequest                *ReadTaskRequest
	MergeTreeReadTaskRequest       *MergeTreeReadTaskRequest
	MergeTreeAllRangesAnnouncement *MergeTreeAllRangesAnnouncement
}

// Data builds a Data packet.
func Data(b *Block) Packet { return Packet{Kind: KindData, Block: b} }

// Totals builds a Totals packet.
func Totals(b *Block) Packet { return Packet{Kind: KindTotals, Block: b} }

// Extremes builds an Extremes packet.
func Extremes(b *Block) Packet { return Packet{Kind: KindExtremes, Block: b} }

// EndOfStream builds an EndOfStream packet.
func EndOfStream() Packet { return Packet{Kind: KindEndOfStream} }
