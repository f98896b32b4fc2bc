// Package decode parses pgoutput logical-replication message bodies —
// the payload carried inside an XLogData frame — into event.Event values,
// consulting and updating a relation catalog as it goes.
package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jfoltran/pgcdc/internal/cdc/catalog"
	"github.com/jfoltran/pgcdc/internal/cdc/event"
	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
)

const (
	tagBegin    = 'B'
	tagCommit   = 'C'
	tagRelation = 'R'
	tagInsert   = 'I'
	tagUpdate   = 'U'
	tagDelete   = 'D'
	tagTruncate = 'T'
	tagOrigin   = 'O'
	tagType     = 'Y'

	tupleMarkerNew = 'N'
	tupleMarkerKey = 'K'
	tupleMarkerOld = 'O'

	cellNull      = 'n'
	cellUnchanged = 'u'
	cellText      = 't'
)

// pgEpochMicros mirrors wire.pgEpochMicros; duplicated here rather than
// imported so this package has no dependency on the framing layer — the
// decoder operates purely on the payload bytes a frame already yielded.
const pgEpochMicros = 946_684_800_000_000

func pgTimeToWall(micros int64) time.Time {
	return time.UnixMicro(micros + pgEpochMicros).UTC()
}

// UnknownTagError is returned for a message tag the decoder doesn't
// recognize as either decodable or ignorable. It is a protocol error:
// fatal to the session.
type UnknownTagError struct{ Tag byte }

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("decode: unknown non-ignorable message tag %q", string(e.Tag))
}

// ColumnCountError is returned when a tuple's cell count doesn't match
// the column count of the Relation it was decoded against.
type ColumnCountError struct {
	RelID uint32
	Want  int
	Got   int
}

func (e *ColumnCountError) Error() string {
	return fmt.Sprintf("decode: relation %d: tuple has %d columns, want %d", e.RelID, e.Got, e.Want)
}

// MissingRelationError is returned when a DML message references a
// relation OID the catalog has never seen a Relation message for.
type MissingRelationError struct{ RelID uint32 }

func (e *MissingRelationError) Error() string {
	return fmt.Sprintf("decode: relation %d not in catalog", e.RelID)
}

// Decode parses one pgoutput message body and returns the Event it
// represents. A nil Event with a nil error means the message is one of
// the ignorable tags (Origin, Type) and produced nothing to emit. The
// decoder updates cat in place when it decodes a Relation message; every
// other tag only reads from it.
func Decode(body []byte, cat *catalog.Catalog) (event.Event, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("decode: empty message body")
	}
	r := &reader{buf: body[1:]}
	switch body[0] {
	case tagBegin:
		return decodeBegin(r)
	case tagCommit:
		return decodeCommit(r)
	case tagRelation:
		rel, err := decodeRelation(r)
		if err != nil {
			return nil, err
		}
		cat.Upsert(rel)
		return &event.RelationEvent{Relation: rel}, nil
	case tagInsert:
		return decodeInsert(r, cat)
	case tagUpdate:
		return decodeUpdate(r, cat)
	case tagDelete:
		return decodeDelete(r, cat)
	case tagTruncate:
		return decodeTruncate(r)
	case tagOrigin, tagType:
		return nil, nil
	default:
		return nil, &UnknownTagError{Tag: body[0]}
	}
}

// reader is a small cursor over a message body, matching the field
// layout pgoutput uses: fixed-width big-endian integers and C strings.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.fail(fmt.Errorf("decode: truncated message: need %d bytes, have %d", n, len(r.buf)))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) int32() int32 {
	return int32(r.uint32())
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) cstring() string {
	if r.err != nil {
		return ""
	}
	idx := bytes.IndexByte(r.buf, 0)
	if idx < 0 {
		r.fail(fmt.Errorf("decode: unterminated string"))
		return ""
	}
	s := string(r.buf[:idx])
	r.buf = r.buf[idx+1:]
	return s
}

func decodeBegin(r *reader) (event.Event, error) {
	finalLSN := r.uint64()
	commitTime := r.uint64()
	xid := r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	return &event.Begin{
		XID:        xid,
		FinalLSN:   lsn.LSN(finalLSN),
		CommitTime: pgTimeToWall(int64(commitTime)),
	}, nil
}

func decodeCommit(r *reader) (event.Event, error) {
	flags := r.uint8()
	commitLSN := r.uint64()
	endLSN := r.uint64()
	commitTime := r.uint64()
	if r.err != nil {
		return nil, r.err
	}
	return &event.Commit{
		Flags:      flags,
		CommitLSN:  lsn.LSN(commitLSN),
		EndLSN:     lsn.LSN(endLSN),
		CommitTime: pgTimeToWall(int64(commitTime)),
	}, nil
}

func decodeRelation(r *reader) (*event.Relation, error) {
	relID := r.uint32()
	namespace := r.cstring()
	name := r.cstring()
	replicaIdentity := r.uint8()
	columnCount := r.uint16()
	if r.err != nil {
		return nil, r.err
	}
	cols := make([]event.Column, columnCount)
	for i := range cols {
		flags := r.uint8()
		colName := r.cstring()
		typeOID := r.uint32()
		typeMod := r.int32()
		if r.err != nil {
			return nil, r.err
		}
		cols[i] = event.Column{
			Flags:        flags,
			Name:         colName,
			TypeOID:      typeOID,
			TypeModifier: typeMod,
		}
	}
	return &event.Relation{
		RelID:           relID,
		Namespace:       namespace,
		Name:            name,
		ReplicaIdentity: event.ReplicaIdentity(replicaIdentity),
		Columns:         cols,
	}, nil
}

func decodeTuple(r *reader, rel *event.Relation) (event.TupleData, error) {
	count := int(r.uint16())
	if r.err != nil {
		return event.TupleData{}, r.err
	}
	if count != len(rel.Columns) {
		return event.TupleData{}, &ColumnCountError{RelID: rel.RelID, Want: len(rel.Columns), Got: count}
	}
	cells := make([]event.Cell, count)
	for i := range cells {
		kind := r.uint8()
		if r.err != nil {
			return event.TupleData{}, r.err
		}
		switch kind {
		case cellNull:
			cells[i] = event.Cell{Kind: event.CellNull}
		case cellUnchanged:
			cells[i] = event.Cell{Kind: event.CellUnchanged}
		case cellText:
			length := r.uint32()
			if r.err != nil {
				return event.TupleData{}, r.err
			}
			data := r.take(int(length))
			if r.err != nil {
				return event.TupleData{}, r.err
			}
			cells[i] = event.Cell{Kind: event.CellText, Value: append([]byte(nil), data...)}
		default:
			return event.TupleData{}, fmt.Errorf("decode: unknown tuple cell kind %q", string(kind))
		}
	}
	return event.TupleData{Cells: cells}, nil
}

func decodeInsert(r *reader, cat *catalog.Catalog) (event.Event, error) {
	relID := r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	rel, ok := cat.Get(relID)
	if !ok {
		return nil, &MissingRelationError{RelID: relID}
	}
	marker := r.uint8()
	if r.err != nil {
		return nil, r.err
	}
	if marker != tupleMarkerNew {
		return nil, fmt.Errorf("decode: insert: expected 'N' tuple marker, got %q", string(marker))
	}
	tuple, err := decodeTuple(r, rel)
	if err != nil {
		return nil, err
	}
	return &event.Insert{RelID: relID, New: tuple}, nil
}

func decodeUpdate(r *reader, cat *catalog.Catalog) (event.Event, error) {
	relID := r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	rel, ok := cat.Get(relID)
	if !ok {
		return nil, &MissingRelationError{RelID: relID}
	}

	marker := r.uint8()
	if r.err != nil {
		return nil, r.err
	}

	var keyOrOld *event.TupleData
	if marker == tupleMarkerKey || marker == tupleMarkerOld {
		tuple, err := decodeTuple(r, rel)
		if err != nil {
			return nil, err
		}
		keyOrOld = &tuple
		marker = r.uint8()
		if r.err != nil {
			return nil, r.err
		}
	}
	if marker != tupleMarkerNew {
		return nil, fmt.Errorf("decode: update: expected 'N' tuple marker, got %q", string(marker))
	}
	newTuple, err := decodeTuple(r, rel)
	if err != nil {
		return nil, err
	}
	return &event.Update{RelID: relID, KeyOrOld: keyOrOld, New: newTuple}, nil
}

func decodeDelete(r *reader, cat *catalog.Catalog) (event.Event, error) {
	relID := r.uint32()
	if r.err != nil {
		return nil, r.err
	}
	rel, ok := cat.Get(relID)
	if !ok {
		return nil, &MissingRelationError{RelID: relID}
	}
	marker := r.uint8()
	if r.err != nil {
		return nil, r.err
	}
	if marker != tupleMarkerKey && marker != tupleMarkerOld {
		return nil, fmt.Errorf("decode: delete: expected 'K' or 'O' tuple marker, got %q", string(marker))
	}
	tuple, err := decodeTuple(r, rel)
	if err != nil {
		return nil, err
	}
	return &event.Delete{RelID: relID, KeyOrOld: tuple}, nil
}

func decodeTruncate(r *reader) (event.Event, error) {
	relCount := r.uint32()
	options := r.uint8()
	if r.err != nil {
		return nil, r.err
	}
	relIDs := make([]uint32, relCount)
	for i := range relIDs {
		relIDs[i] = r.uint32()
		if r.err != nil {
			return nil, r.err
		}
	}
	return &event.Truncate{
		RelIDs: relIDs,
		Options: event.TruncateOptions{
			Cascade:         options&0x1 != 0,
			RestartIdentity: options&0x2 != 0,
		},
	}, nil
}
