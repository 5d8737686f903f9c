package index

import (
	"fmt"
	"io"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/rangecache/internal/fb"
	"github.com/meigma/rangecache/internal/rangetype"
	"github.com/meigma/rangecache/storage"
)

// SnapshotVersion is the version written into persisted snapshots.
const SnapshotVersion uint32 = 1

// WriteSnapshot encodes every span as a zstd-compressed FlatBuffers snapshot.
func (idx *Index) WriteSnapshot(w io.Writer) error {
	spans := idx.All()

	builder := flatbuffers.NewBuilder(64 + len(spans)*96)
	offsets := make([]flatbuffers.UOffsetT, len(spans))
	for i, s := range spans {
		key := builder.CreateString(s.Key)
		loc := builder.CreateString(string(s.Locator))
		fb.SpanStart(builder)
		fb.SpanAddKey(builder, key)
		fb.SpanAddPosition(builder, s.Pos)
		fb.SpanAddLength(builder, s.Len)
		fb.SpanAddLocator(builder, loc)
		fb.SpanAddLastAccessed(builder, s.LastAccess.UnixNano())
		offsets[i] = fb.SpanEnd(builder)
	}
	fb.SnapshotStartSpansVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	vec := builder.EndVector(len(offsets))
	fb.SnapshotStart(builder)
	fb.SnapshotAddVersion(builder, SnapshotVersion)
	fb.SnapshotAddSpans(builder, vec)
	builder.Finish(fb.SnapshotEnd(builder))

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := enc.Write(builder.FinishedBytes()); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot. Malformed input
// yields a CorruptionError.
func ReadSnapshot(r io.Reader) ([]SpanInfo, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, &rangetype.CorruptionError{Detail: fmt.Sprintf("snapshot decompress: %v", err)}
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, &rangetype.CorruptionError{Detail: fmt.Sprintf("snapshot decompress: %v", err)}
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (spans []SpanInfo, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, &rangetype.CorruptionError{Detail: "snapshot too short"}
	}
	// FlatBuffers accessors index the buffer directly and panic on garbage.
	defer func() {
		if r := recover(); r != nil {
			spans = nil
			err = &rangetype.CorruptionError{Detail: fmt.Sprintf("snapshot decode: %v", r)}
		}
	}()

	root := fb.GetRootAsSnapshot(data, 0)
	if v := root.Version(); v != SnapshotVersion {
		return nil, &rangetype.CorruptionError{Detail: fmt.Sprintf("unsupported snapshot version %d", v)}
	}
	n := root.SpansLength()
	spans = make([]SpanInfo, 0, n)
	var rec fb.Span
	for i := range n {
		if !root.Spans(&rec, i) {
			return nil, &rangetype.CorruptionError{Detail: fmt.Sprintf("snapshot span %d missing", i)}
		}
		spans = append(spans, SpanInfo{
			Key:        string(rec.Key()),
			Pos:        rec.Position(),
			Len:        rec.Length(),
			Locator:    storage.Locator(rec.Locator()),
			LastAccess: time.Unix(0, rec.LastAccessed()),
		})
	}
	return spans, nil
}

// Restore inserts persisted spans, keeping their access times. Records that
// are invalid, overlap an earlier record, or reuse a locator are skipped.
// It returns the records that were not restored.
func (idx *Index) Restore(records []SpanInfo) []SpanInfo {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	seen := make(map[storage.Locator]struct{}, len(idx.byID)+len(records))
	for _, s := range idx.byID {
		seen[s.loc] = struct{}{}
	}
	var skipped []SpanInfo
	for _, rec := range records {
		if rec.Key == "" || rec.Pos < 0 || rec.Len <= 0 || rec.Locator == "" {
			skipped = append(skipped, rec)
			continue
		}
		if _, dup := seen[rec.Locator]; dup {
			skipped = append(skipped, rec)
			continue
		}
		s := &span{key: rec.Key, pos: rec.Pos, len: rec.Len, loc: rec.Locator, lastAccess: rec.LastAccess}
		if err := idx.insertLocked(s); err != nil {
			skipped = append(skipped, rec)
			continue
		}
		seen[rec.Locator] = struct{}{}
	}
	return skipped
}
