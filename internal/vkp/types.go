// Package vkp implements the versioned knowledge package lifecycle: the wire
// format, checksum integrity, semantic-version comparison, delta computation
// and application, atomic installation, and the periodic catalog puller.
package vkp

import (
	"time"

	"github.com/Masterminds/semver/v3"

	"edgetutor/internal/errors"
)

// ChunkConfig records the windowing parameters the package was built with.
type ChunkConfig struct {
	Size    int `json:"size"`
	Overlap int `json:"overlap"`
}

// Metadata is the self-describing header of a package.
type Metadata struct {
	Version          string      `json:"version"`
	Subject          string      `json:"subject"`
	Grade            int         `json:"grade"`
	Semester         int         `json:"semester"`
	CreatedAt        time.Time   `json:"created_at"`
	EmbeddingModelID string      `json:"embedding_model_id"`
	ChunkConfig      ChunkConfig `json:"chunk_config"`
	TotalChunks      int         `json:"total_chunks"`
	SourceFiles      []string    `json:"source_files"`
	Checksum         string      `json:"checksum"`
}

// ChunkMetadata locates a chunk within its source book.
type ChunkMetadata struct {
	Page    int    `json:"page"`
	Section string `json:"section"`
	Topic   string `json:"topic"`
}

// Chunk is one unit of curriculum content with its embedding.
type Chunk struct {
	ChunkID   string        `json:"chunk_id"`
	Text      string        `json:"text"`
	Embedding []float64     `json:"embedding"`
	Metadata  ChunkMetadata `json:"metadata"`
}

// Package is a complete versioned knowledge package. Chunks are kept sorted
// by chunk_id so serialization is stable.
type Package struct {
	Metadata Metadata `json:"metadata"`
	Chunks   []Chunk  `json:"chunks"`
}

// Delta records the transition between two package versions of the same
// (subject, grade, semester).
type Delta struct {
	BaseVersion     string   `json:"base_version"`
	TargetVersion   string   `json:"target_version"`
	Subject         string   `json:"subject"`
	Grade           int      `json:"grade"`
	Semester        int      `json:"semester"`
	AddedChunks     []Chunk  `json:"added_chunks"`
	RemovedChunkIDs []string `json:"removed_chunk_ids"`
	TargetMetadata  Metadata `json:"target_metadata"`
	Checksum        string   `json:"checksum"`
}

// knownModelDimensions pins the embedding dimension for model IDs the node
// produces or consumes. Packages built with other models only need uniform
// dimensions.
var knownModelDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"local-hash-384":         384,
}

// Validate enforces the structural invariants of a package: strict semver,
// grade and semester ranges, chunk count consistency, unique chunk ids, and
// uniform nonempty embeddings of the declared dimension.
func (p *Package) Validate() error {
	if _, err := semver.StrictNewVersion(p.Metadata.Version); err != nil {
		return errors.Newf(errors.KindValidation, "invalid package version %q", p.Metadata.Version)
	}
	if p.Metadata.Subject == "" {
		return errors.New(errors.KindValidation, "package subject is required")
	}
	if p.Metadata.Grade < 10 || p.Metadata.Grade > 12 {
		return errors.Newf(errors.KindValidation, "package grade must be 10, 11 or 12, got %d", p.Metadata.Grade)
	}
	if p.Metadata.Semester != 1 && p.Metadata.Semester != 2 {
		return errors.Newf(errors.KindValidation, "package semester must be 1 or 2, got %d", p.Metadata.Semester)
	}
	if p.Metadata.EmbeddingModelID == "" {
		return errors.New(errors.KindValidation, "embedding model id is required")
	}
	if p.Metadata.TotalChunks != len(p.Chunks) {
		return errors.Newf(errors.KindValidation,
			"total_chunks %d does not match chunk count %d", p.Metadata.TotalChunks, len(p.Chunks))
	}
	if len(p.Chunks) == 0 {
		return errors.New(errors.KindValidation, "package must contain at least one chunk")
	}

	wantDim := knownModelDimensions[p.Metadata.EmbeddingModelID]
	if wantDim == 0 {
		wantDim = len(p.Chunks[0].Embedding)
	}
	seen := make(map[string]struct{}, len(p.Chunks))
	for i := range p.Chunks {
		c := &p.Chunks[i]
		if c.ChunkID == "" {
			return errors.Newf(errors.KindValidation, "chunk %d has an empty id", i)
		}
		if _, dup := seen[c.ChunkID]; dup {
			return errors.Newf(errors.KindValidation, "duplicate chunk id %q", c.ChunkID)
		}
		seen[c.ChunkID] = struct{}{}
		if len(c.Embedding) == 0 {
			return errors.Newf(errors.KindValidation, "chunk %q has no embedding", c.ChunkID)
		}
		if len(c.Embedding) != wantDim {
			return errors.Newf(errors.KindValidation,
				"chunk %q embedding dimension %d does not match model dimension %d",
				c.ChunkID, len(c.Embedding), wantDim)
		}
	}
	return nil
}

// Dimensions returns the embedding dimension of the package's chunks.
func (p *Package) Dimensions() int {
	if len(p.Chunks) == 0 {
		return 0
	}
	return len(p.Chunks[0].Embedding)
}
