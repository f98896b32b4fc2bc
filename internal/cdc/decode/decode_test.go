package decode

import (
	"encoding/binary"
	"testing"

	"github.com/jfoltran/pgcdc/internal/cdc/catalog"
	"github.com/jfoltran/pgcdc/internal/cdc/event"
)

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func buildRelationMessage(relID uint32, ns, name string, replicaIdentity byte, cols []event.Column) []byte {
	buf := []byte{tagRelation}
	buf = appendUint32(buf, relID)
	buf = appendCString(buf, ns)
	buf = appendCString(buf, name)
	buf = append(buf, replicaIdentity)
	buf = appendUint16(buf, uint16(len(cols)))
	for _, c := range cols {
		buf = append(buf, c.Flags)
		buf = appendCString(buf, c.Name)
		buf = appendUint32(buf, c.TypeOID)
		buf = appendUint32(buf, uint32(c.TypeModifier))
	}
	return buf
}

func buildTextCell(val string) []byte {
	buf := []byte{cellText}
	buf = appendUint32(buf, uint32(len(val)))
	return append(buf, val...)
}

func standardRelation() (*event.Relation, []byte) {
	cols := []event.Column{
		{Flags: 1, Name: "id", TypeOID: 23, TypeModifier: -1},
		{Flags: 0, Name: "name", TypeOID: 25, TypeModifier: -1},
	}
	raw := buildRelationMessage(16411, "public", "widgets", byte(event.ReplicaIdentityDefault), cols)
	return &event.Relation{
		RelID:           16411,
		Namespace:       "public",
		Name:            "widgets",
		ReplicaIdentity: event.ReplicaIdentityDefault,
		Columns:         cols,
	}, raw
}

func TestDecodeRelationUpsertsCatalog(t *testing.T) {
	cat := catalog.New()
	want, raw := standardRelation()

	ev, err := Decode(raw, cat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	relEv, ok := ev.(*event.RelationEvent)
	if !ok {
		t.Fatalf("got %T, want *event.RelationEvent", ev)
	}
	if relEv.Relation.RelID != want.RelID || relEv.Relation.QualifiedName() != "public.widgets" {
		t.Errorf("got relation %+v", relEv.Relation)
	}
	if got, ok := cat.Get(16411); !ok || got.Name != "widgets" {
		t.Errorf("catalog not updated: %+v, %v", got, ok)
	}
}

func TestDecodeInsert(t *testing.T) {
	cat := catalog.New()
	_, relRaw := standardRelation()
	if _, err := Decode(relRaw, cat); err != nil {
		t.Fatalf("Decode relation: %v", err)
	}

	buf := []byte{tagInsert}
	buf = appendUint32(buf, 16411)
	buf = append(buf, tupleMarkerNew)
	buf = appendUint16(buf, 2)
	buf = append(buf, buildTextCell("1")...)
	buf = append(buf, buildTextCell("widget-a")...)

	ev, err := Decode(buf, cat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ins, ok := ev.(*event.Insert)
	if !ok {
		t.Fatalf("got %T, want *event.Insert", ev)
	}
	if len(ins.New.Cells) != 2 {
		t.Fatalf("got %d cells, want 2", len(ins.New.Cells))
	}
	if string(ins.New.Cells[1].Value) != "widget-a" {
		t.Errorf("cell 1 = %q", ins.New.Cells[1].Value)
	}
}

func TestDecodeInsertMissingRelation(t *testing.T) {
	cat := catalog.New()
	buf := []byte{tagInsert}
	buf = appendUint32(buf, 999)
	buf = append(buf, tupleMarkerNew)
	buf = appendUint16(buf, 0)

	_, err := Decode(buf, cat)
	if err == nil {
		t.Fatal("expected error for unknown relation")
	}
	var missing *MissingRelationError
	if !asMissingRelation(err, &missing) {
		t.Errorf("got %T, want *MissingRelationError", err)
	}
}

func asMissingRelation(err error, target **MissingRelationError) bool {
	e, ok := err.(*MissingRelationError)
	if ok {
		*target = e
	}
	return ok
}

// TestDecodeColumnCountMismatch covers property 4: a tuple's cell count
// must equal |R.columns| for its relation, else decode fails instead of
// silently misaligning columns.
func TestDecodeColumnCountMismatch(t *testing.T) {
	cat := catalog.New()
	_, relRaw := standardRelation()
	if _, err := Decode(relRaw, cat); err != nil {
		t.Fatalf("Decode relation: %v", err)
	}

	buf := []byte{tagInsert}
	buf = appendUint32(buf, 16411)
	buf = append(buf, tupleMarkerNew)
	buf = appendUint16(buf, 3) // relation has 2 columns
	buf = append(buf, buildTextCell("1")...)
	buf = append(buf, buildTextCell("x")...)
	buf = append(buf, buildTextCell("y")...)

	_, err := Decode(buf, cat)
	if err == nil {
		t.Fatal("expected column count mismatch error")
	}
	var cntErr *ColumnCountError
	if !asColumnCountError(err, &cntErr) {
		t.Fatalf("got %T, want *ColumnCountError", err)
	}
	if cntErr.Want != 2 || cntErr.Got != 3 {
		t.Errorf("got %+v", cntErr)
	}
}

func asColumnCountError(err error, target **ColumnCountError) bool {
	e, ok := err.(*ColumnCountError)
	if ok {
		*target = e
	}
	return ok
}

func TestDecodeUpdateWithKeyTuple(t *testing.T) {
	cat := catalog.New()
	_, relRaw := standardRelation()
	if _, err := Decode(relRaw, cat); err != nil {
		t.Fatalf("Decode relation: %v", err)
	}

	buf := []byte{tagUpdate}
	buf = appendUint32(buf, 16411)
	buf = append(buf, tupleMarkerKey)
	buf = appendUint16(buf, 2)
	buf = append(buf, buildTextCell("1")...)
	buf = append(buf, []byte{cellUnchanged}...)
	buf = append(buf, tupleMarkerNew)
	buf = appendUint16(buf, 2)
	buf = append(buf, buildTextCell("1")...)
	buf = append(buf, buildTextCell("widget-b")...)

	ev, err := Decode(buf, cat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	upd, ok := ev.(*event.Update)
	if !ok {
		t.Fatalf("got %T, want *event.Update", ev)
	}
	if upd.KeyOrOld == nil {
		t.Fatal("expected KeyOrOld to be populated")
	}
	if upd.KeyOrOld.Cells[1].Kind != event.CellUnchanged {
		t.Errorf("expected unchanged-toast cell, got %+v", upd.KeyOrOld.Cells[1])
	}
	if string(upd.New.Cells[1].Value) != "widget-b" {
		t.Errorf("new cell 1 = %q", upd.New.Cells[1].Value)
	}
}

func TestDecodeUpdateWithoutOldTuple(t *testing.T) {
	cat := catalog.New()
	_, relRaw := standardRelation()
	if _, err := Decode(relRaw, cat); err != nil {
		t.Fatalf("Decode relation: %v", err)
	}

	buf := []byte{tagUpdate}
	buf = appendUint32(buf, 16411)
	buf = append(buf, tupleMarkerNew)
	buf = appendUint16(buf, 2)
	buf = append(buf, buildTextCell("1")...)
	buf = append(buf, buildTextCell("widget-c")...)

	ev, err := Decode(buf, cat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	upd, ok := ev.(*event.Update)
	if !ok {
		t.Fatalf("got %T, want *event.Update", ev)
	}
	if upd.KeyOrOld != nil {
		t.Errorf("expected nil KeyOrOld, got %+v", upd.KeyOrOld)
	}
}

func TestDecodeDelete(t *testing.T) {
	cat := catalog.New()
	_, relRaw := standardRelation()
	if _, err := Decode(relRaw, cat); err != nil {
		t.Fatalf("Decode relation: %v", err)
	}

	buf := []byte{tagDelete}
	buf = appendUint32(buf, 16411)
	buf = append(buf, tupleMarkerKey)
	buf = appendUint16(buf, 2)
	buf = append(buf, buildTextCell("1")...)
	buf = append(buf, []byte{cellNull}...)

	ev, err := Decode(buf, cat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	del, ok := ev.(*event.Delete)
	if !ok {
		t.Fatalf("got %T, want *event.Delete", ev)
	}
	if del.KeyOrOld.Cells[1].Kind != event.CellNull {
		t.Errorf("got %+v", del.KeyOrOld.Cells[1])
	}
}

func TestDecodeTruncate(t *testing.T) {
	cat := catalog.New()
	buf := []byte{tagTruncate}
	buf = appendUint32(buf, 2)
	buf = append(buf, 0x3) // cascade | restart_identity
	buf = appendUint32(buf, 16411)
	buf = appendUint32(buf, 16412)

	ev, err := Decode(buf, cat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tr, ok := ev.(*event.Truncate)
	if !ok {
		t.Fatalf("got %T, want *event.Truncate", ev)
	}
	if len(tr.RelIDs) != 2 || tr.RelIDs[0] != 16411 || tr.RelIDs[1] != 16412 {
		t.Errorf("got RelIDs %v", tr.RelIDs)
	}
	if !tr.Options.Cascade || !tr.Options.RestartIdentity {
		t.Errorf("got options %+v", tr.Options)
	}
}

func TestDecodeBeginCommit(t *testing.T) {
	cat := catalog.New()

	beginBuf := []byte{tagBegin}
	beginBuf = appendUint64(beginBuf, 0x200)
	beginBuf = appendUint64(beginBuf, 0)
	beginBuf = appendUint32(beginBuf, 42)

	ev, err := Decode(beginBuf, cat)
	if err != nil {
		t.Fatalf("Decode begin: %v", err)
	}
	begin, ok := ev.(*event.Begin)
	if !ok {
		t.Fatalf("got %T, want *event.Begin", ev)
	}
	if begin.XID != 42 || begin.FinalLSN != 0x200 {
		t.Errorf("got %+v", begin)
	}

	commitBuf := []byte{tagCommit}
	commitBuf = append(commitBuf, 0)
	commitBuf = appendUint64(commitBuf, 0x200)
	commitBuf = appendUint64(commitBuf, 0x208)
	commitBuf = appendUint64(commitBuf, 0)

	ev, err = Decode(commitBuf, cat)
	if err != nil {
		t.Fatalf("Decode commit: %v", err)
	}
	commit, ok := ev.(*event.Commit)
	if !ok {
		t.Fatalf("got %T, want *event.Commit", ev)
	}

	// Property 3: a transaction's commit LSN must be >= its Begin's final LSN.
	if commit.CommitLSN < begin.FinalLSN {
		t.Errorf("commit LSN %v < begin final LSN %v", commit.CommitLSN, begin.FinalLSN)
	}
}

func TestDecodeIgnorableTags(t *testing.T) {
	cat := catalog.New()
	for _, tag := range []byte{tagOrigin, tagType} {
		ev, err := Decode([]byte{tag, 0, 0, 0}, cat)
		if err != nil {
			t.Fatalf("Decode tag %q: %v", tag, err)
		}
		if ev != nil {
			t.Errorf("tag %q: expected nil event, got %v", tag, ev)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	cat := catalog.New()
	_, err := Decode([]byte{'Z'}, cat)
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	var unknown *UnknownTagError
	if !asUnknownTag(err, &unknown) {
		t.Errorf("got %T, want *UnknownTagError", err)
	}
}

func asUnknownTag(err error, target **UnknownTagError) bool {
	e, ok := err.(*UnknownTagError)
	if ok {
		*target = e
	}
	return ok
}

func TestDecodeEmptyBody(t *testing.T) {
	cat := catalog.New()
	if _, err := Decode(nil, cat); err == nil {
		t.Fatal("expected error for empty body")
	}
}
