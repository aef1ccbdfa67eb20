package rooms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ensembleai/ensemble/pkg/models"
)

// ArtifactStore writes content-addressed artifacts under
// <workspace>/artifacts/<hash>.<ext>. Identical content is stored once.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the artifacts directory if needed.
func NewArtifactStore(workspace string) (*ArtifactStore, error) {
	dir := filepath.Join(workspace, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Put stores content and returns its descriptor. The artifact type is a
// free-form label ("report", "dataset", "code").
func (s *ArtifactStore) Put(content []byte, ext, artifactType string) (models.ArtifactDescriptor, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	name := hash + "." + ext
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return models.ArtifactDescriptor{}, fmt.Errorf("write artifact: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return models.ArtifactDescriptor{}, fmt.Errorf("place artifact: %w", err)
		}
	}

	return models.ArtifactDescriptor{
		Path:      filepath.Join("artifacts", name),
		Type:      artifactType,
		Size:      int64(len(content)),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Get reads an artifact by its chain path ("artifacts/<hash>.<ext>").
func (s *ArtifactStore) Get(path string) ([]byte, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return data, nil
}

// Verify re-hashes an artifact and confirms it matches its name.
func (s *ArtifactStore) Verify(path string) error {
	data, err := s.Get(path)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	name := filepath.Base(path)
	want := strings.SplitN(name, ".", 2)[0]
	if hex.EncodeToString(sum[:]) != want {
		return fmt.Errorf("artifact %s content does not match its hash", path)
	}
	return nil
}
