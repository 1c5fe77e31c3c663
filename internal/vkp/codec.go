package vkp

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"

	"edgetutor/internal/errors"
)

// Canonical serialization: a JSON document with lexicographically sorted
// keys, no insignificant whitespace, floats rendered by
// strconv.FormatFloat(v, 'g', -1, 64), timestamps as RFC 3339 UTC, and the
// checksum field excluded. Checksums are "sha256:" plus lowercase hex over
// these bytes. The writer below spells the key order out explicitly so the
// canonical form cannot drift with struct field order.

// Build fills derived metadata fields, validates the structural invariants,
// and stamps the checksum. Chunks are sorted by id to fix serialization
// order.
func Build(metadata Metadata, chunks []Chunk) (*Package, error) {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkID < sorted[j].ChunkID })

	pkg := &Package{Metadata: metadata, Chunks: sorted}
	pkg.Metadata.TotalChunks = len(sorted)
	if pkg.Metadata.CreatedAt.IsZero() {
		pkg.Metadata.CreatedAt = time.Now().UTC()
	}
	pkg.Metadata.CreatedAt = pkg.Metadata.CreatedAt.UTC().Truncate(time.Second)

	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	pkg.Metadata.Checksum = Checksum(pkg)
	return pkg, nil
}

// Checksum computes the package digest over the canonical serialization.
func Checksum(pkg *Package) string {
	sum := sha256.Sum256(canonicalPackage(pkg))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Serialize encodes the package for the wire, re-checking the checksum
// first so a mutated in-memory package never leaves the process.
func Serialize(pkg *Package) ([]byte, error) {
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	if Checksum(pkg) != pkg.Metadata.Checksum {
		return nil, errors.New(errors.KindChecksumMismatch, "package checksum is stale")
	}
	return json.Marshal(pkg)
}

// Parse decodes and verifies a package. Unknown fields are rejected; a
// checksum that does not re-derive fails with ChecksumMismatch and the
// package is not returned.
func Parse(data []byte) (*Package, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var pkg Package
	if err := dec.Decode(&pkg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "malformed package document", err)
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	if Checksum(&pkg) != pkg.Metadata.Checksum {
		return nil, errors.New(errors.KindChecksumMismatch,
			"package checksum does not match its contents")
	}
	return &pkg, nil
}

// CompareVersions orders two strict semver strings: -1 when a < b, 0 when
// equal, +1 when a > b.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.StrictNewVersion(a)
	if err != nil {
		return 0, errors.Newf(errors.KindValidation, "invalid version %q", a)
	}
	vb, err := semver.StrictNewVersion(b)
	if err != nil {
		return 0, errors.Newf(errors.KindValidation, "invalid version %q", b)
	}
	return va.Compare(vb), nil
}

// canonicalPackage renders the canonical bytes. Top-level keys: chunks,
// metadata.
func canonicalPackage(pkg *Package) []byte {
	var b bytes.Buffer
	b.WriteString(`{"chunks":[`)
	for i := range pkg.Chunks {
		if i > 0 {
			b.WriteByte(',')
		}
		canonicalChunk(&b, &pkg.Chunks[i])
	}
	b.WriteString(`],"metadata":`)
	canonicalMetadata(&b, &pkg.Metadata)
	b.WriteByte('}')
	return b.Bytes()
}

// canonicalMetadata writes metadata keys in sorted order, checksum excluded.
func canonicalMetadata(b *bytes.Buffer, m *Metadata) {
	b.WriteString(`{"chunk_config":{"overlap":`)
	b.WriteString(strconv.Itoa(m.ChunkConfig.Overlap))
	b.WriteString(`,"size":`)
	b.WriteString(strconv.Itoa(m.ChunkConfig.Size))
	b.WriteString(`},"created_at":`)
	writeJSONString(b, m.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString(`,"embedding_model_id":`)
	writeJSONString(b, m.EmbeddingModelID)
	b.WriteString(`,"grade":`)
	b.WriteString(strconv.Itoa(m.Grade))
	b.WriteString(`,"semester":`)
	b.WriteString(strconv.Itoa(m.Semester))
	b.WriteString(`,"source_files":[`)
	for i, f := range m.SourceFiles {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(b, f)
	}
	b.WriteString(`],"subject":`)
	writeJSONString(b, m.Subject)
	b.WriteString(`,"total_chunks":`)
	b.WriteString(strconv.Itoa(m.TotalChunks))
	b.WriteString(`,"version":`)
	writeJSONString(b, m.Version)
	b.WriteByte('}')
}

func canonicalChunk(b *bytes.Buffer, c *Chunk) {
	b.WriteString(`{"chunk_id":`)
	writeJSONString(b, c.ChunkID)
	b.WriteString(`,"embedding":[`)
	for i, v := range c.Embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteString(`],"metadata":{"page":`)
	b.WriteString(strconv.Itoa(c.Metadata.Page))
	b.WriteString(`,"section":`)
	writeJSONString(b, c.Metadata.Section)
	b.WriteString(`,"topic":`)
	writeJSONString(b, c.Metadata.Topic)
	b.WriteString(`},"text":`)
	writeJSONString(b, c.Text)
	b.WriteByte('}')
}

func writeJSONString(b *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(s)
	b.Write(encoded)
}
