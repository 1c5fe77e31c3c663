package vkp

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"edgetutor/internal/errors"
)

// ComputeDelta produces the transition from old to new. Modified chunks
// (same id, different text or embedding) appear as an add of the new content
// plus a removal of the old id.
func ComputeDelta(oldPkg, newPkg *Package) (*Delta, error) {
	if oldPkg.Metadata.Subject != newPkg.Metadata.Subject ||
		oldPkg.Metadata.Grade != newPkg.Metadata.Grade ||
		oldPkg.Metadata.Semester != newPkg.Metadata.Semester {
		return nil, errors.New(errors.KindValidation,
			"delta requires packages of the same subject, grade and semester")
	}
	cmp, err := CompareVersions(oldPkg.Metadata.Version, newPkg.Metadata.Version)
	if err != nil {
		return nil, err
	}
	if cmp >= 0 {
		return nil, errors.Newf(errors.KindVersionConflict,
			"delta target %s is not newer than base %s",
			newPkg.Metadata.Version, oldPkg.Metadata.Version)
	}

	oldByID := make(map[string]*Chunk, len(oldPkg.Chunks))
	for i := range oldPkg.Chunks {
		oldByID[oldPkg.Chunks[i].ChunkID] = &oldPkg.Chunks[i]
	}
	newIDs := make(map[string]struct{}, len(newPkg.Chunks))

	var added []Chunk
	var removed []string
	for i := range newPkg.Chunks {
		nc := &newPkg.Chunks[i]
		newIDs[nc.ChunkID] = struct{}{}
		oc, existed := oldByID[nc.ChunkID]
		switch {
		case !existed:
			added = append(added, *nc)
		case !chunksEqual(oc, nc):
			added = append(added, *nc)
			removed = append(removed, nc.ChunkID)
		}
	}
	for id := range oldByID {
		if _, kept := newIDs[id]; !kept {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)

	delta := &Delta{
		BaseVersion:     oldPkg.Metadata.Version,
		TargetVersion:   newPkg.Metadata.Version,
		Subject:         newPkg.Metadata.Subject,
		Grade:           newPkg.Metadata.Grade,
		Semester:        newPkg.Metadata.Semester,
		AddedChunks:     added,
		RemovedChunkIDs: removed,
		TargetMetadata:  newPkg.Metadata,
	}
	delta.Checksum = DeltaChecksum(delta)
	return delta, nil
}

// ApplyDelta materializes the target package from a base package and a
// delta. The result must re-derive to the target metadata's checksum or the
// application fails without producing a package.
func ApplyDelta(base *Package, delta *Delta) (*Package, error) {
	if base.Metadata.Subject != delta.Subject ||
		base.Metadata.Grade != delta.Grade ||
		base.Metadata.Semester != delta.Semester {
		return nil, errors.New(errors.KindValidation,
			"delta does not apply to this subject, grade and semester")
	}
	if base.Metadata.Version != delta.BaseVersion {
		return nil, errors.Newf(errors.KindVersionConflict,
			"delta base version %s does not match installed version %s",
			delta.BaseVersion, base.Metadata.Version)
	}

	removed := make(map[string]struct{}, len(delta.RemovedChunkIDs))
	for _, id := range delta.RemovedChunkIDs {
		removed[id] = struct{}{}
	}

	chunks := make([]Chunk, 0, len(base.Chunks)+len(delta.AddedChunks))
	for i := range base.Chunks {
		if _, gone := removed[base.Chunks[i].ChunkID]; !gone {
			chunks = append(chunks, base.Chunks[i])
		}
	}
	chunks = append(chunks, delta.AddedChunks...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkID < chunks[j].ChunkID })

	target := &Package{Metadata: delta.TargetMetadata, Chunks: chunks}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if Checksum(target) != delta.TargetMetadata.Checksum {
		return nil, errors.New(errors.KindChecksumMismatch,
			"applied delta does not reproduce the target package")
	}
	return target, nil
}

// SerializeDelta encodes a delta for the wire.
func SerializeDelta(delta *Delta) ([]byte, error) {
	if DeltaChecksum(delta) != delta.Checksum {
		return nil, errors.New(errors.KindChecksumMismatch, "delta checksum is stale")
	}
	return json.Marshal(delta)
}

// ParseDelta decodes and verifies a delta document.
func ParseDelta(data []byte) (*Delta, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var delta Delta
	if err := dec.Decode(&delta); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "malformed delta document", err)
	}
	if DeltaChecksum(&delta) != delta.Checksum {
		return nil, errors.New(errors.KindChecksumMismatch,
			"delta checksum does not match its contents")
	}
	return &delta, nil
}

// DeltaChecksum digests the delta's canonical serialization, its own
// checksum field excluded.
func DeltaChecksum(delta *Delta) string {
	sum := sha256.Sum256(canonicalDelta(delta))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// canonicalDelta writes delta keys in sorted order.
func canonicalDelta(d *Delta) []byte {
	var b bytes.Buffer
	b.WriteString(`{"added_chunks":[`)
	for i := range d.AddedChunks {
		if i > 0 {
			b.WriteByte(',')
		}
		canonicalChunk(&b, &d.AddedChunks[i])
	}
	b.WriteString(`],"base_version":`)
	writeJSONString(&b, d.BaseVersion)
	b.WriteString(`,"grade":`)
	b.WriteString(strconv.Itoa(d.Grade))
	b.WriteString(`,"removed_chunk_ids":[`)
	for i, id := range d.RemovedChunkIDs {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, id)
	}
	b.WriteString(`],"semester":`)
	b.WriteString(strconv.Itoa(d.Semester))
	b.WriteString(`,"subject":`)
	writeJSONString(&b, d.Subject)
	b.WriteString(`,"target_metadata":`)
	canonicalMetadata(&b, &d.TargetMetadata)
	b.WriteString(`,"target_version":`)
	writeJSONString(&b, d.TargetVersion)
	b.WriteByte('}')
	return b.Bytes()
}

func chunksEqual(a, b *Chunk) bool {
	if a.Text != b.Text || len(a.Embedding) != len(b.Embedding) {
		return false
	}
	for i := range a.Embedding {
		if a.Embedding[i] != b.Embedding[i] {
			return false
		}
	}
	return a.Metadata == b.Metadata
}
