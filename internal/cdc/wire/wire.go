// Package wire frames the CopyBothData byte stream used by Postgres
// streaming replication: XLogData and PrimaryKeepalive messages inbound,
// StandbyStatusUpdate outbound. All multi-byte integers are big-endian,
// per the frontend/backend protocol.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
)

const (
	TagXLogData            byte = 'w'
	TagPrimaryKeepalive    byte = 'k'
	TagStandbyStatusUpdate byte = 'r'
)

// pgEpochMicros is the number of microseconds between the Unix epoch and
// 2000-01-01T00:00:00Z, the epoch Postgres uses for replication
// timestamps. Replacing the original implementation's lazily-initialized
// global with this constant keeps the conversion a pure function.
const pgEpochMicros = 946_684_800_000_000

// pgTimeNow converts a wall-clock time to Postgres's microseconds-since-2000 form.
func pgTimeNow(wall time.Time) int64 {
	return wall.UnixMicro() - pgEpochMicros
}

// pgTimeToWall converts microseconds-since-2000 back to a wall-clock time.
func pgTimeToWall(micros int64) time.Time {
	return time.UnixMicro(micros + pgEpochMicros).UTC()
}

// XLogData carries one opaque pgoutput payload plus the WAL positions it
// was shipped at.
type XLogData struct {
	WALStart     lsn.LSN
	ServerWALEnd lsn.LSN
	ServerTime   time.Time
	Data         []byte
}

// PrimaryKeepalive is the server's liveness ping. ReplyRequested means the
// server wants an immediate StandbyStatusUpdate, not just an eventual one.
type PrimaryKeepalive struct {
	ServerWALEnd   lsn.LSN
	ServerTime     time.Time
	ReplyRequested bool
}

// ErrShortFrame is returned when a frame is too short for its declared tag.
type ErrShortFrame struct {
	Tag  byte
	Want int
	Got  int
}

func (e *ErrShortFrame) Error() string {
	return fmt.Sprintf("wire: short %q frame: want >= %d bytes, got %d", string(e.Tag), e.Want, e.Got)
}

// ErrUnknownTag is returned for a CopyData frame whose first byte isn't a
// tag this codec understands.
type ErrUnknownTag struct{ Tag byte }

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("wire: unknown frame tag %q", string(e.Tag))
}

// ParseXLogData decodes the body of a 'w'-tagged CopyData frame (with the
// leading tag byte already stripped).
func ParseXLogData(body []byte) (*XLogData, error) {
	const headerLen = 24
	if len(body) < headerLen {
		return nil, &ErrShortFrame{Tag: TagXLogData, Want: headerLen, Got: len(body)}
	}
	return &XLogData{
		WALStart:     lsn.LSN(binary.BigEndian.Uint64(body[0:8])),
		ServerWALEnd: lsn.LSN(binary.BigEndian.Uint64(body[8:16])),
		ServerTime:   pgTimeToWall(int64(binary.BigEndian.Uint64(body[16:24]))),
		Data:         append([]byte(nil), body[headerLen:]...),
	}, nil
}

// ParsePrimaryKeepalive decodes the body of a 'k'-tagged CopyData frame
// (with the leading tag byte already stripped).
func ParsePrimaryKeepalive(body []byte) (*PrimaryKeepalive, error) {
	const wantLen = 17
	if len(body) < wantLen {
		return nil, &ErrShortFrame{Tag: TagPrimaryKeepalive, Want: wantLen, Got: len(body)}
	}
	return &PrimaryKeepalive{
		ServerWALEnd:   lsn.LSN(binary.BigEndian.Uint64(body[0:8])),
		ServerTime:     pgTimeToWall(int64(binary.BigEndian.Uint64(body[8:16]))),
		ReplyRequested: body[16] == 1,
	}, nil
}

// Frame is the decoded result of one CopyData payload: exactly one of
// XLogData or Keepalive is non-nil.
type Frame struct {
	XLogData  *XLogData
	Keepalive *PrimaryKeepalive
}

// ParseFrame dispatches on the first byte of a CopyData payload. A
// malformed or unrecognized frame is fatal to the session; the caller
// should treat any returned error that way.
func ParseFrame(copyData []byte) (*Frame, error) {
	if len(copyData) == 0 {
		return nil, &ErrShortFrame{Want: 1, Got: 0}
	}
	switch copyData[0] {
	case TagXLogData:
		xld, err := ParseXLogData(copyData[1:])
		if err != nil {
			return nil, err
		}
		return &Frame{XLogData: xld}, nil
	case TagPrimaryKeepalive:
		pk, err := ParsePrimaryKeepalive(copyData[1:])
		if err != nil {
			return nil, err
		}
		return &Frame{Keepalive: pk}, nil
	default:
		return nil, &ErrUnknownTag{Tag: copyData[0]}
	}
}

// BuildStandbyStatusUpdate encodes an outbound 'r' StandbyStatusUpdate
// frame: write/flush/apply LSNs, the client's clock in Postgres's
// microseconds-since-2000 form, and a reply-now flag.
func BuildStandbyStatusUpdate(write, flush, apply lsn.LSN, now time.Time, replyNow bool) []byte {
	buf := make([]byte, 1+8+8+8+8+1)
	buf[0] = TagStandbyStatusUpdate
	binary.BigEndian.PutUint64(buf[1:9], uint64(write))
	binary.BigEndian.PutUint64(buf[9:17], uint64(flush))
	binary.BigEndian.PutUint64(buf[17:25], uint64(apply))
	binary.BigEndian.PutUint64(buf[25:33], uint64(pgTimeNow(now)))
	if replyNow {
		buf[33] = 1
	}
	return buf
}
