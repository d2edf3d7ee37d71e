package attrstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hupe1980/fabricgo/model"
)

// Canonical attribute encoding.
//
// The content hash is computed over these bytes, so the encoding must be
// deterministic: keyword and topic sets are sorted, relations are sorted by
// (target, type). Hash fields themselves are not part of the body.

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }
func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

// maxStringLen bounds every string field and list length; the wire format
// carries u16 prefixes. Put rejects records that exceed it.
const maxStringLen = math.MaxUint16

// validateRecord rejects fields the u16-prefixed wire format cannot carry.
// Without the check an oversized field would encode truncated, and the
// content hash would cover the truncated bytes instead of the caller's.
func validateRecord(rec *model.AttributeRecord) error {
	if len(rec.Modality) > maxStringLen {
		return fmt.Errorf("%w: modality is %d bytes", ErrFieldTooLarge, len(rec.Modality))
	}
	if err := validateStrings("keyword", rec.Context.Keywords); err != nil {
		return err
	}
	if err := validateStrings("topic", rec.Context.Topics); err != nil {
		return err
	}
	if len(rec.Context.Relations) > maxStringLen {
		return fmt.Errorf("%w: %d relations", ErrFieldTooLarge, len(rec.Context.Relations))
	}
	return nil
}

func validateStrings(field string, ss []string) error {
	if len(ss) > maxStringLen {
		return fmt.Errorf("%w: %d %ss", ErrFieldTooLarge, len(ss), field)
	}
	for _, s := range ss {
		if len(s) > maxStringLen {
			return fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLarge, field, len(s))
		}
	}
	return nil
}

func (e *encoder) str(s string) {
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strs(ss []string) {
	sorted := slices.Clone(ss)
	slices.Sort(sorted)
	e.u16(uint16(len(sorted)))
	for _, s := range sorted {
		e.str(s)
	}
}

func (e *encoder) floats(fs []float32) {
	e.u32(uint32(len(fs)))
	for _, f := range fs {
		e.f32(f)
	}
}

// encodeBody produces the canonical byte form of rec, excluding the hash
// fields.
func encodeBody(rec *model.AttributeRecord) []byte {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.u8(uint8(rec.Type))
	e.str(rec.Modality)
	e.i64(rec.CreatedAt.UnixNano())
	e.i64(rec.UpdatedAt.UnixNano())
	e.strs(rec.Context.Keywords)
	e.strs(rec.Context.Topics)

	rels := slices.Clone(rec.Context.Relations)
	slices.SortFunc(rels, func(a, b model.Relation) int {
		if a.Target != b.Target {
			if a.Target < b.Target {
				return -1
			}
			return 1
		}
		return int(a.Type) - int(b.Type)
	})
	e.u16(uint16(len(rels)))
	for _, r := range rels {
		e.u64(uint64(r.Target))
		e.u8(uint8(r.Type))
		e.f32(r.Confidence)
		if r.Dangling {
			e.u8(1)
		} else {
			e.u8(0)
		}
	}

	e.floats(rec.Context.Embedding)
	e.u64(rec.Hints.AccessCount)
	e.f32(rec.Hints.Hotness)
	e.floats(rec.Hints.Centroid)
	return e.buf
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("attrstore: truncated record body at %d", d.off)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) i64() int64  { return int64(d.u64()) }
func (d *decoder) f32() float32 {
	return math.Float32frombits(d.u32())
}

func (d *decoder) str() string {
	n := int(d.u16())
	if !d.need(n) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) strs() []string {
	n := int(d.u16())
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) floats() []float32 {
	n := int(d.u32())
	if n == 0 {
		return nil
	}
	if !d.need(n * 4) {
		return nil
	}
	out := make([]float32, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.f32())
	}
	return out
}

func decodeBody(buf []byte) (*model.AttributeRecord, error) {
	d := &decoder{buf: buf}
	rec := &model.AttributeRecord{}
	rec.Type = model.ContainerType(d.u8())
	rec.Modality = d.str()
	rec.CreatedAt = time.Unix(0, d.i64()).UTC()
	rec.UpdatedAt = time.Unix(0, d.i64()).UTC()
	rec.Context.Keywords = d.strs()
	rec.Context.Topics = d.strs()

	nrels := int(d.u16())
	if nrels > 0 {
		rec.Context.Relations = make([]model.Relation, 0, nrels)
		for i := 0; i < nrels && d.err == nil; i++ {
			r := model.Relation{
				Target:     model.ContainerID(d.u64()),
				Type:       model.RelationType(d.u8()),
				Confidence: d.f32(),
			}
			r.Dangling = d.u8() == 1
			rec.Context.Relations = append(rec.Context.Relations, r)
		}
	}

	rec.Context.Embedding = d.floats()
	rec.Hints.AccessCount = d.u64()
	rec.Hints.Hotness = d.f32()
	rec.Hints.Centroid = d.floats()
	if d.err != nil {
		return nil, d.err
	}
	return rec, nil
}

// ContentHash computes the blake3 digest of the canonical encoding of rec.
func ContentHash(rec *model.AttributeRecord) [32]byte {
	return blake3.Sum256(encodeBody(rec))
}

// Fingerprint computes the coarse semantic digest over keywords and topics
// only. It survives hint and timestamp churn.
func Fingerprint(rec *model.AttributeRecord) [32]byte {
	e := &encoder{buf: make([]byte, 0, 128)}
	e.strs(rec.Context.Keywords)
	e.strs(rec.Context.Topics)
	return blake3.Sum256(e.buf)
}

// Reconstruct encodes rec canonically and decodes the result back. Integrity
// checks use it to prove a record survives a full codec round trip.
func Reconstruct(rec *model.AttributeRecord) (*model.AttributeRecord, error) {
	return decodeBody(encodeBody(rec))
}
