package vkp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgetutor/internal/errors"
)

func testMetadata(version string) Metadata {
	return Metadata{
		Version:          version,
		Subject:          "matematika",
		Grade:            10,
		Semester:         1,
		CreatedAt:        time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		EmbeddingModelID: "test-model",
		ChunkConfig:      ChunkConfig{Size: 800, Overlap: 100},
		SourceFiles:      []string{"matematika_x.pdf"},
	}
}

func testChunks(n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			ChunkID:   fmt.Sprintf("chunk-%03d", i),
			Text:      fmt.Sprintf("materi bagian %d", i),
			Embedding: []float64{float64(i), 0.5, -1.25, 0.0001},
			Metadata:  ChunkMetadata{Page: i + 1, Section: "5.1", Topic: "aljabar"},
		}
	}
	return chunks
}

func buildTestPackage(t *testing.T, version string, n int) *Package {
	t.Helper()
	pkg, err := Build(testMetadata(version), testChunks(n))
	require.NoError(t, err)
	return pkg
}

func TestBuildFillsDerivedFields(t *testing.T) {
	pkg := buildTestPackage(t, "1.0.0", 5)
	assert.Equal(t, 5, pkg.Metadata.TotalChunks)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, pkg.Metadata.Checksum)
}

func TestBuildRejectsDuplicateChunkIDs(t *testing.T) {
	chunks := testChunks(2)
	chunks[1].ChunkID = chunks[0].ChunkID
	_, err := Build(testMetadata("1.0.0"), chunks)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestBuildRejectsMixedDimensions(t *testing.T) {
	chunks := testChunks(2)
	chunks[1].Embedding = []float64{1, 2}
	_, err := Build(testMetadata("1.0.0"), chunks)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestBuildRejectsKnownModelDimensionMismatch(t *testing.T) {
	md := testMetadata("1.0.0")
	md.EmbeddingModelID = "text-embedding-ada-002"
	_, err := Build(md, testChunks(2))
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestBuildRejectsLooseVersions(t *testing.T) {
	for _, v := range []string{"1.0", "v1.0.0", "1.0.0-beta", "abc"} {
		_, err := Build(testMetadata(v), testChunks(1))
		assert.Equal(t, errors.KindValidation, errors.KindOf(err), "version %q", v)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	pkg := buildTestPackage(t, "1.2.3", 4)
	data, err := Serialize(pkg)
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, pkg, got)
}

func TestParseDetectsBitMutation(t *testing.T) {
	pkg := buildTestPackage(t, "1.0.0", 3)
	data, err := Serialize(pkg)
	require.NoError(t, err)

	// Flip one byte inside a chunk's text, outside the checksum field.
	idx := -1
	for i := 0; i+6 < len(data); i++ {
		if string(data[i:i+6]) == "materi" {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	data[idx] ^= 0x01

	_, err = Parse(data)
	assert.Equal(t, errors.KindChecksumMismatch, errors.KindOf(err))
}

func TestParseRejectsUnknownTopLevelFields(t *testing.T) {
	pkg := buildTestPackage(t, "1.0.0", 1)
	data, err := Serialize(pkg)
	require.NoError(t, err)

	mutated := append([]byte(`{"extra_field":1,`), data[1:]...)
	_, err = Parse(mutated)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestSerializeRefusesStaleChecksum(t *testing.T) {
	pkg := buildTestPackage(t, "1.0.0", 2)
	pkg.Chunks[0].Text = "diubah diam-diam"
	_, err := Serialize(pkg)
	assert.Equal(t, errors.KindChecksumMismatch, errors.KindOf(err))
}

func TestChecksumIgnoresChecksumField(t *testing.T) {
	pkg := buildTestPackage(t, "1.0.0", 2)
	before := Checksum(pkg)
	pkg.Metadata.Checksum = "sha256:corrupted"
	assert.Equal(t, before, Checksum(pkg), "checksum must exclude its own field")
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.10.0", "1.9.0", 1},
		{"2.0.0", "1.99.99", 1},
	}
	for _, tc := range cases {
		got, err := CompareVersions(tc.a, tc.b)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s vs %s", tc.a, tc.b)
	}

	_, err := CompareVersions("1.0", "1.0.0")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestDeltaRoundTrip(t *testing.T) {
	oldPkg := buildTestPackage(t, "1.0.0", 5)

	newChunks := testChunks(5)
	newChunks[2].Text = "materi direvisi" // modified
	newChunks = newChunks[:4]             // drop chunk-004
	newChunks = append(newChunks, Chunk{
		ChunkID:   "chunk-100",
		Text:      "materi baru",
		Embedding: []float64{9, 9, 9, 9},
		Metadata:  ChunkMetadata{Page: 99, Section: "9.1", Topic: "baru"},
	})
	newPkg, err := Build(testMetadata("1.1.0"), newChunks)
	require.NoError(t, err)

	delta, err := ComputeDelta(oldPkg, newPkg)
	require.NoError(t, err)

	// Modified chunk appears as add + remove; dropped chunk as remove only.
	assert.Contains(t, delta.RemovedChunkIDs, "chunk-002")
	assert.Contains(t, delta.RemovedChunkIDs, "chunk-004")
	addedIDs := make([]string, len(delta.AddedChunks))
	for i, c := range delta.AddedChunks {
		addedIDs[i] = c.ChunkID
	}
	assert.Contains(t, addedIDs, "chunk-002")
	assert.Contains(t, addedIDs, "chunk-100")

	applied, err := ApplyDelta(oldPkg, delta)
	require.NoError(t, err)
	assert.Equal(t, newPkg.Metadata.Checksum, applied.Metadata.Checksum)
	assert.Equal(t, newPkg.Chunks, applied.Chunks)
}

func TestDeltaWireRoundTrip(t *testing.T) {
	oldPkg := buildTestPackage(t, "1.0.0", 3)
	newPkg := buildTestPackage(t, "1.1.0", 4)

	delta, err := ComputeDelta(oldPkg, newPkg)
	require.NoError(t, err)

	data, err := SerializeDelta(delta)
	require.NoError(t, err)
	got, err := ParseDelta(data)
	require.NoError(t, err)
	assert.Equal(t, delta, got)

	data[20] ^= 0x01
	_, err = ParseDelta(data)
	assert.Error(t, err)
}

func TestApplyDeltaRejectsWrongBase(t *testing.T) {
	oldPkg := buildTestPackage(t, "1.0.0", 3)
	newPkg := buildTestPackage(t, "1.1.0", 4)
	other := buildTestPackage(t, "0.9.0", 3)

	delta, err := ComputeDelta(oldPkg, newPkg)
	require.NoError(t, err)

	_, err = ApplyDelta(other, delta)
	assert.Equal(t, errors.KindVersionConflict, errors.KindOf(err))
}

func TestComputeDeltaRejectsNonNewerTarget(t *testing.T) {
	a := buildTestPackage(t, "1.1.0", 3)
	b := buildTestPackage(t, "1.0.0", 3)
	_, err := ComputeDelta(a, b)
	assert.Equal(t, errors.KindVersionConflict, errors.KindOf(err))
}
