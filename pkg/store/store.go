// Package store implements Convergence's content-addressed object store
// and the atomic on-disk persistence primitives the rest of the server
// builds on: per-kind Put/Get/Has/List/Delete methods over a literal
// file layout, each repo's Store rooted at
// repos/<repo_id>/objects/{blobs,manifests,recipes,snaps,resolutions}/.
package store

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/types"
)

const manifestCacheSize = 4096

// Store is a content-addressed object store rooted at one repo's objects
// directory.
type Store struct {
	root  string
	cache *lru.Cache[types.ObjectId, []byte]
}

// Open creates (if absent) the kind subdirectories under root and returns
// a Store backed by them.
func Open(root string) (*Store, error) {
	for _, dir := range []string{"blobs", "manifests", "recipes", "snaps", "resolutions"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, cvgerr.Iof(err, "creating object store directory %s", dir)
		}
	}
	cache, err := lru.New[types.ObjectId, []byte](manifestCacheSize)
	if err != nil {
		return nil, cvgerr.Iof(err, "constructing object cache")
	}
	return &Store{root: root, cache: cache}, nil
}

func (s *Store) pathFor(kind string, id types.ObjectId, ext string) string {
	return filepath.Join(s.root, kind, string(id)+ext)
}

// --- Blobs ---

// PutBlob writes data under its own BLAKE3 id, a no-op if already present.
func (s *Store) PutBlob(data []byte) (types.ObjectId, error) {
	id := canon.ID(data)
	path := s.pathFor("blobs", id, "")
	if exists(path) {
		return id, nil
	}
	if err := WriteAtomic(path, data); err != nil {
		return "", cvgerr.Iof(err, "writing blob %s", id)
	}
	return id, nil
}

// GetBlob reads and integrity-checks a blob by id.
func (s *Store) GetBlob(id types.ObjectId) ([]byte, error) {
	path := s.pathFor("blobs", id, "")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, cvgerr.NotFoundf("blob %s not found", id)
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "reading blob %s", id)
	}
	if canon.ID(data) != id {
		return nil, cvgerr.Integrityf("blob %s failed integrity check", id)
	}
	return data, nil
}

// GetBlobReader streams a blob's content without buffering it whole. The
// caller is responsible for closing the returned reader. Integrity is not
// re-verified on the streamed path; callers needing that guarantee should
// use GetBlob.
func (s *Store) GetBlobReader(id types.ObjectId) (io.ReadCloser, error) {
	path := s.pathFor("blobs", id, "")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, cvgerr.NotFoundf("blob %s not found", id)
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "opening blob %s", id)
	}
	return f, nil
}

// HasBlob reports whether a blob id is present.
func (s *Store) HasBlob(id types.ObjectId) (bool, error) {
	return exists(s.pathFor("blobs", id, "")), nil
}

// ListBlobs returns every stored blob id.
func (s *Store) ListBlobs() ([]types.ObjectId, error) {
	return s.listIDs("blobs", "")
}

// DeleteBlob removes a blob, used only by GC sweep.
func (s *Store) DeleteBlob(id types.ObjectId) error {
	return deleteIfExists(s.pathFor("blobs", id, ""))
}

// --- Recipes ---

func (s *Store) PutRecipe(r *types.FileRecipe) (types.ObjectId, error) {
	id, data, err := canon.MarshalID(r)
	if err != nil {
		return "", cvgerr.Iof(err, "marshaling recipe")
	}
	path := s.pathFor("recipes", id, ".json")
	if exists(path) {
		return id, nil
	}
	if err := WriteAtomic(path, data); err != nil {
		return "", cvgerr.Iof(err, "writing recipe %s", id)
	}
	s.cache.Add(id, data)
	return id, nil
}

func (s *Store) GetRecipe(id types.ObjectId) (*types.FileRecipe, error) {
	data, err := s.readCached("recipes", id, ".json")
	if err != nil {
		return nil, err
	}
	var r types.FileRecipe
	if err := unmarshalVerified(data, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) HasRecipe(id types.ObjectId) (bool, error) {
	return exists(s.pathFor("recipes", id, ".json")), nil
}

func (s *Store) ListRecipes() ([]types.ObjectId, error) {
	return s.listIDs("recipes", ".json")
}

func (s *Store) DeleteRecipe(id types.ObjectId) error {
	s.cache.Remove(id)
	return deleteIfExists(s.pathFor("recipes", id, ".json"))
}

// --- Manifests ---

func (s *Store) PutManifest(m *types.Manifest) (types.ObjectId, error) {
	id, data, err := canon.MarshalID(m)
	if err != nil {
		return "", cvgerr.Iof(err, "marshaling manifest")
	}
	path := s.pathFor("manifests", id, ".json")
	if exists(path) {
		return id, nil
	}
	if err := WriteAtomic(path, data); err != nil {
		return "", cvgerr.Iof(err, "writing manifest %s", id)
	}
	s.cache.Add(id, data)
	return id, nil
}

func (s *Store) GetManifest(id types.ObjectId) (*types.Manifest, error) {
	data, err := s.readCached("manifests", id, ".json")
	if err != nil {
		return nil, err
	}
	var m types.Manifest
	if err := unmarshalVerified(data, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) HasManifest(id types.ObjectId) (bool, error) {
	return exists(s.pathFor("manifests", id, ".json")), nil
}

func (s *Store) ListManifests() ([]types.ObjectId, error) {
	return s.listIDs("manifests", ".json")
}

func (s *Store) DeleteManifest(id types.ObjectId) error {
	s.cache.Remove(id)
	return deleteIfExists(s.pathFor("manifests", id, ".json"))
}

// --- Snaps ---

// PutSnap persists a SnapRecord whose ID the caller has already derived
// (snap ids are BLAKE3(created_at || root_manifest), not a hash of the
// record's own bytes, so Store trusts the caller-supplied id rather than
// recomputing it from canon.ID).
func (s *Store) PutSnap(rec *types.SnapRecord) (types.ObjectId, error) {
	if rec.ID.Empty() {
		return "", cvgerr.Validationf("snap record missing id")
	}
	data, err := canon.Marshal(rec)
	if err != nil {
		return "", cvgerr.Iof(err, "marshaling snap %s", rec.ID)
	}
	path := s.pathFor("snaps", rec.ID, ".json")
	if exists(path) {
		return rec.ID, nil
	}
	if err := WriteAtomic(path, data); err != nil {
		return "", cvgerr.Iof(err, "writing snap %s", rec.ID)
	}
	return rec.ID, nil
}

func (s *Store) GetSnap(id types.ObjectId) (*types.SnapRecord, error) {
	path := s.pathFor("snaps", id, ".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, cvgerr.NotFoundf("snap %s not found", id)
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "reading snap %s", id)
	}
	var rec types.SnapRecord
	if err := unmarshalRaw(data, &rec); err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, cvgerr.Integrityf("snap %s failed integrity check", id)
	}
	return &rec, nil
}

func (s *Store) HasSnap(id types.ObjectId) (bool, error) {
	return exists(s.pathFor("snaps", id, ".json")), nil
}

func (s *Store) ListSnaps() ([]types.ObjectId, error) {
	return s.listIDs("snaps", ".json")
}

func (s *Store) DeleteSnap(id types.ObjectId) error {
	return deleteIfExists(s.pathFor("snaps", id, ".json"))
}

// --- Resolutions ---

func (s *Store) PutResolution(r *types.Resolution) (types.ObjectId, error) {
	id, data, err := canon.MarshalID(r)
	if err != nil {
		return "", cvgerr.Iof(err, "marshaling resolution")
	}
	path := s.pathFor("resolutions", id, ".json")
	if exists(path) {
		return id, nil
	}
	if err := WriteAtomic(path, data); err != nil {
		return "", cvgerr.Iof(err, "writing resolution %s", id)
	}
	return id, nil
}

func (s *Store) GetResolution(id types.ObjectId) (*types.Resolution, error) {
	path := s.pathFor("resolutions", id, ".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, cvgerr.NotFoundf("resolution %s not found", id)
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "reading resolution %s", id)
	}
	var r types.Resolution
	if err := unmarshalVerified(data, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) HasResolution(id types.ObjectId) (bool, error) {
	return exists(s.pathFor("resolutions", id, ".json")), nil
}

func (s *Store) ListResolutions() ([]types.ObjectId, error) {
	return s.listIDs("resolutions", ".json")
}

func (s *Store) DeleteResolution(id types.ObjectId) error {
	return deleteIfExists(s.pathFor("resolutions", id, ".json"))
}

// --- shared helpers ---

func (s *Store) readCached(kind string, id types.ObjectId, ext string) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}
	path := s.pathFor(kind, id, ext)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, cvgerr.NotFoundf("%s %s not found", kind, id)
	}
	if err != nil {
		return nil, cvgerr.Iof(err, "reading %s %s", kind, id)
	}
	s.cache.Add(id, data)
	return data, nil
}

func (s *Store) listIDs(kind string, ext string) ([]types.ObjectId, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		return nil, cvgerr.Iof(err, "listing %s", kind)
	}
	ids := make([]types.ObjectId, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext != "" {
			name = name[:len(name)-len(ext)]
		}
		ids = append(ids, types.ObjectId(name))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func unmarshalVerified(data []byte, id types.ObjectId, v any) error {
	if canon.ID(data) != id {
		return cvgerr.Integrityf("object %s failed integrity check", id)
	}
	return unmarshalRaw(data, v)
}

func unmarshalRaw(data []byte, v any) error {
	if err := canon.Unmarshal(data, v); err != nil {
		return cvgerr.Iof(err, "decoding object")
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func deleteIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return cvgerr.Iof(err, "deleting %s", path)
	}
	return nil
}
