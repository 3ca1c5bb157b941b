// Package materialize writes a manifest tree back to a directory on disk:
// the inverse of pkg/manifestbuild.
package materialize

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/superpose"
	"github.com/cuemby/convergence/pkg/types"
)

// Options controls how a tree is written out.
type Options struct {
	// Force, if true, removes conflicting existing entries before writing.
	// If false, materialize refuses to overwrite existing non-empty
	// contents at dest.
	Force bool

	// Resolution, if the tree contains superpositions, selects the variant
	// to materialize at each superposed path. Required whenever the root
	// (transitively) contains a Superposition entry.
	Resolution *types.Resolution
}

// Materialize writes the tree rooted at root into dest. If root's tree
// contains superpositions, opts.Resolution is applied first via
// pkg/superpose and the resolved root is materialized instead.
func Materialize(st *store.Store, root types.ObjectId, dest string, opts Options) error {
	hasSup, err := superpose.HasSuperpositions(st, root)
	if err != nil {
		return err
	}
	if hasSup {
		if opts.Resolution == nil {
			return cvgerr.UnresolvedConflictf("manifest %s has unresolved superpositions", root)
		}
		resolved, err := superpose.Apply(st, root, opts.Resolution)
		if err != nil {
			return err
		}
		root = resolved
	}

	if err := prepareDest(dest, opts.Force); err != nil {
		return err
	}
	return materializeDir(st, root, dest, opts.Force)
}

// prepareDest ensures dest exists and, when force is false, is empty or
// absent; when force is true, any existing contents are removed first.
func prepareDest(dest string, force bool) error {
	entries, err := os.ReadDir(dest)
	if os.IsNotExist(err) {
		return os.MkdirAll(dest, 0o755)
	}
	if err != nil {
		return cvgerr.Iof(err, "reading destination %s", dest)
	}
	if len(entries) == 0 {
		return nil
	}
	if !force {
		return cvgerr.Validationf("destination %s is not empty (use force to overwrite)", dest)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dest, e.Name())); err != nil {
			return cvgerr.Iof(err, "clearing %s", filepath.Join(dest, e.Name()))
		}
	}
	return nil
}

func materializeDir(st *store.Store, manifestID types.ObjectId, dest string, force bool) error {
	m, err := st.GetManifest(manifestID)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		target := filepath.Join(dest, e.Name)
		switch e.Kind {
		case types.KindDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return cvgerr.Iof(err, "creating directory %s", target)
			}
			if err := materializeDir(st, e.DirManifest, target, force); err != nil {
				return err
			}
		case types.KindFile:
			data, err := st.GetBlob(e.Blob)
			if err != nil {
				return err
			}
			if err := writeFileAtomic(target, data, e.Mode); err != nil {
				return err
			}
		case types.KindFileChunks:
			if err := writeChunkedFile(st, target, e.Recipe, e.Mode); err != nil {
				return err
			}
		case types.KindSymlink:
			if err := os.RemoveAll(target); err != nil {
				return cvgerr.Iof(err, "clearing symlink target %s", target)
			}
			if err := os.Symlink(string(e.Target), target); err != nil {
				return cvgerr.Iof(err, "creating symlink %s", target)
			}
		case types.KindSuperposition:
			return cvgerr.UnresolvedConflictf("unresolved superposition at %s", target)
		default:
			return cvgerr.Validationf("unknown entry kind %q at %s", e.Kind, target)
		}
	}
	return nil
}

// writeFileAtomic writes a small file's whole content via a temp file in
// the same directory, then rename, the same primitive pkg/store uses for
// content-addressed objects.
func writeFileAtomic(path string, data []byte, mode uint32) error {
	tmp := path + ".tmp." + uuid.NewString()
	perm := os.FileMode(0o644)
	if mode != 0 {
		perm = os.FileMode(mode)
	}
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return cvgerr.Iof(err, "writing %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return cvgerr.Iof(err, "renaming %s into place", path)
	}
	return nil
}

// writeChunkedFile streams a FileChunks entry's blobs directly to the
// destination, never buffering the whole file in memory.
func writeChunkedFile(st *store.Store, path string, recipeID types.ObjectId, mode uint32) error {
	recipe, err := st.GetRecipe(recipeID)
	if err != nil {
		return err
	}
	tmp := path + ".tmp." + uuid.NewString()
	perm := os.FileMode(0o644)
	if mode != 0 {
		perm = os.FileMode(mode)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return cvgerr.Iof(err, "creating %s", tmp)
	}
	for _, chunk := range recipe.Chunks {
		r, err := st.GetBlobReader(chunk.Blob)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		_, copyErr := io.Copy(f, r)
		r.Close()
		if copyErr != nil {
			f.Close()
			os.Remove(tmp)
			return cvgerr.Iof(copyErr, "streaming chunk %s into %s", chunk.Blob, path)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return cvgerr.Iof(err, "syncing %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cvgerr.Iof(err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return cvgerr.Iof(err, "renaming %s into place", path)
	}
	return nil
}
