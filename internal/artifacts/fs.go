package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

var keySegment = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FSStore keeps artifacts on local disk as <root>/<job>/<stage>.<sha256>.bin with a
// JSON metadata sidecar <stage>.json. The sidecar is written last and names the
// committed content, so an overwrite swaps versions with a single rename.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) paths(key string) (base, meta, lock string, err error) {
	parts := strings.Split(key, ":")
	for _, p := range parts {
		if !keySegment.MatchString(p) || p == "." || p == ".." {
			return "", "", "", fmt.Errorf("invalid artifact key %q", key)
		}
	}
	base = filepath.Join(append([]string{s.root}, parts...)...)
	return base, base + ".json", base + ".lock", nil
}

func dataPath(base, digest string) string { return base + "." + digest + ".bin" }

// Put writes data under key. Identical content is a no-op; different content under an
// immutable key fails with ErrConflict.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, meta Metadata) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	base, metaPath, lockPath, err := s.paths(key)
	if err != nil {
		return Ref{}, err
	}
	dir := filepath.Dir(base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create dirs: %w", err)
	}

	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return Ref{}, fmt.Errorf("lock %s: %w", key, err)
	}
	defer lock.Unlock()

	digest := Digest(data)
	existing, err := readMeta(metaPath)
	replaced := ""
	switch {
	case err == nil:
		ok, err := resolve(existing, digest, meta)
		if err != nil {
			return Ref{}, err
		}
		if ok {
			return existing, nil
		}
		replaced = existing.SHA256
	case !errors.Is(err, ErrNotFound):
		return Ref{}, err
	}

	ref := Ref{
		Key:        key,
		Stage:      meta.Stage,
		MimeType:   meta.MimeType,
		ByteLength: int64(len(data)),
		SHA256:     digest,
		Immutable:  meta.Immutable,
		CreatedAt:  time.Now().UTC(),
	}
	metaJSON, err := json.Marshal(ref)
	if err != nil {
		return Ref{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeDurable(dataPath(base, digest), data); err != nil {
		return Ref{}, err
	}
	if err := writeDurable(metaPath, metaJSON); err != nil {
		return Ref{}, err
	}
	if err := syncDir(dir); err != nil {
		return Ref{}, err
	}
	if replaced != "" {
		// Readers holding the old sidecar re-read it when this file disappears.
		_ = os.Remove(dataPath(base, replaced))
	}
	return ref, nil
}

// Get returns the artifact bytes and metadata. A Get racing an overwrite returns
// either the old or the new version, never a mix.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, Ref, error) {
	base, _, lockPath, err := s.paths(key)
	if err != nil {
		return nil, Ref{}, err
	}
	data, ref, err := s.read(ctx, key, base)
	if !errors.Is(err, errVersionGone) {
		return data, ref, err
	}
	// The version named by the sidecar was replaced mid-read; read again with writers held off.
	lock := flock.New(lockPath)
	if err := lock.RLock(); err != nil {
		return nil, Ref{}, fmt.Errorf("lock %s: %w", key, err)
	}
	defer lock.Unlock()
	data, ref, err = s.read(ctx, key, base)
	if errors.Is(err, errVersionGone) {
		return nil, Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, ref, err
}

var errVersionGone = errors.New("artifact version removed")

func (s *FSStore) read(ctx context.Context, key, base string) ([]byte, Ref, error) {
	ref, err := s.Stat(ctx, key)
	if err != nil {
		return nil, Ref{}, err
	}
	data, err := os.ReadFile(dataPath(base, ref.SHA256))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Ref{}, errVersionGone
	}
	if err != nil {
		return nil, Ref{}, fmt.Errorf("read artifact %s: %w", key, err)
	}
	if Digest(data) != ref.SHA256 {
		return nil, Ref{}, fmt.Errorf("artifact %s: content does not match recorded digest", key)
	}
	return data, ref, nil
}

// Exists reports whether a committed artifact is stored under key.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat returns the recorded metadata for key.
func (s *FSStore) Stat(ctx context.Context, key string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	_, metaPath, _, err := s.paths(key)
	if err != nil {
		return Ref{}, err
	}
	ref, err := readMeta(metaPath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Ref{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Ref{}, err
	}
	return ref, nil
}

func readMeta(path string) (Ref, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Ref{}, ErrNotFound
		}
		return Ref{}, fmt.Errorf("read metadata: %w", err)
	}
	var ref Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return Ref{}, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return ref, nil
}

// writeDurable writes via a synced temp file and an atomic rename.
func writeDurable(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
