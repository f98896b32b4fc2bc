// Package lsn implements the Postgres Log Sequence Number codec: the
// textual "H/L" form used on the wire and in pg_replication_slots, and
// the 64-bit integer form used everywhere internally.
package lsn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LSN is a byte offset into the WAL. Zero means "no position".
type LSN uint64

// ErrInvalid is returned by Parse for any input that isn't exactly one
// 1-8 hex digit field, a slash, and another 1-8 hex digit field.
var ErrInvalid = errors.New("lsn: invalid format, expected H/L hex pair")

// Parse converts the canonical "H/L" text form into an LSN. Each side
// must be 1 to 8 hex digits, case-insensitive. Missing separator, an
// empty side, or non-hex characters are all rejected.
func Parse(text string) (LSN, error) {
	idx := strings.IndexByte(text, '/')
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, text)
	}
	hi, lo := text[:idx], text[idx+1:]
	if hi == "" || lo == "" || len(hi) > 8 || len(lo) > 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, text)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalid, text, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalid, text, err)
	}
	return LSN(hiVal<<32 | loVal), nil
}

// String renders the canonical "H/L" form: uppercase hex, no leading zeros.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Format is an alias for String kept for call sites that read more
// naturally as a verb; both produce the canonical text form.
func Format(l LSN) string { return l.String() }

// Valid reports whether the LSN is non-zero.
func (l LSN) Valid() bool { return l != 0 }
