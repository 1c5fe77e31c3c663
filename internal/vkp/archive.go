package vkp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"edgetutor/internal/errors"
)

// Archive keeps the serialized artifact of each installed package on disk.
// The artifact of the installed version is the delta base for the next pull,
// and the predecessor artifact backs rollback.
type Archive struct {
	dir string
}

// NewArchive creates the archive directory if needed.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to create package archive directory", err)
	}
	return &Archive{dir: dir}, nil
}

func (a *Archive) path(subject string, grade int, version string) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s_g%d_v%s.vkp", strings.ToLower(subject), grade, version))
}

// Save writes the package artifact, replacing any existing artifact for the
// same version. The write goes through a temp file and rename so a crash
// never leaves a torn artifact.
func (a *Archive) Save(pkg *Package) error {
	data, err := Serialize(pkg)
	if err != nil {
		return err
	}
	final := a.path(pkg.Metadata.Subject, pkg.Metadata.Grade, pkg.Metadata.Version)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to write package artifact", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(errors.KindStorage, "failed to finalize package artifact", err)
	}
	return nil
}

// Load reads and verifies a stored artifact. Missing artifacts return nil
// without error; a stored artifact that fails its checksum is an error.
func (a *Archive) Load(subject string, grade int, version string) (*Package, error) {
	data, err := os.ReadFile(a.path(subject, grade, version))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "failed to read package artifact", err)
	}
	return Parse(data)
}

// Prune removes artifacts for a (subject, grade) beyond the newest keep
// versions. At least the installed version and its predecessor should be
// kept for delta application and rollback.
func (a *Archive) Prune(subject string, grade, keep int) error {
	pattern := filepath.Join(a.dir, fmt.Sprintf("%s_g%d_v*.vkp", strings.ToLower(subject), grade))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "failed to list package artifacts", err)
	}
	type artifact struct {
		path    string
		version *semver.Version
	}
	var artifacts []artifact
	prefix := fmt.Sprintf("%s_g%d_v", strings.ToLower(subject), grade)
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".vkp")
		v, err := semver.StrictNewVersion(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifact{path: m, version: v})
	}
	if len(artifacts) <= keep {
		return nil
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].version.GreaterThan(artifacts[j].version)
	})
	for _, old := range artifacts[keep:] {
		if err := os.Remove(old.path); err != nil {
			return errors.Wrap(errors.KindStorage, "failed to prune package artifact", err)
		}
	}
	return nil
}
