// Package manifestbuild walks a working directory into Convergence's
// content-addressed manifest DAG: blobs and recipes for file
// content, manifests for directories, and a SnapRecord naming the root.
package manifestbuild

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/cuemby/convergence/pkg/canon"
	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/metrics"
	"github.com/cuemby/convergence/pkg/store"
	"github.com/cuemby/convergence/pkg/types"
)

// excludedEntry is the one directory entry a walk always skips.
const excludedEntry = ".converge"

// Options controls chunking. Defaults come from DefaultOptions; a
// workspace config may override them.
type Options struct {
	ThresholdBytes int64
	ChunkSizeBytes int64
}

// DefaultOptions returns the default chunking policy: 8 MiB threshold,
// 8 MiB chunks.
func DefaultOptions() Options {
	const eightMiB = 8 * 1024 * 1024
	return Options{ThresholdBytes: eightMiB, ChunkSizeBytes: eightMiB}
}

type stats struct {
	files    int
	dirs     int
	symlinks int
	bytes    int64
}

// BuildManifestOnly walks root and returns its root manifest id without
// minting a SnapRecord, for callers (diff/status paths, tests) that don't
// need a fresh timestamp.
func BuildManifestOnly(st *store.Store, root string, opts Options) (types.ObjectId, error) {
	id, _, err := buildDir(st, root, opts, &stats{})
	return id, err
}

// Build walks root, producing a root manifest and a SnapRecord stamped
// with the current time. message is optional free text.
func Build(st *store.Store, root string, opts Options, message *string) (*types.SnapRecord, error) {
	timer := metrics.NewTimer()
	s := &stats{}
	rootID, _, err := buildDir(st, root, opts, s)
	if err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.SnapBuildDuration)
	createdAt := time.Now().UTC().Format(time.RFC3339)
	rec := &types.SnapRecord{
		Version:      types.SnapRecordVersion,
		ID:           canon.SnapID(createdAt, rootID),
		CreatedAt:    createdAt,
		RootManifest: rootID,
		Message:      message,
		Stats: types.SnapStats{
			Files:    s.files,
			Dirs:     s.dirs,
			Symlinks: s.symlinks,
			Bytes:    s.bytes,
		},
	}
	if _, err := st.PutSnap(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// buildDir recursively builds the manifest for one directory, returning
// its id and its own (already-sorted) entry list for the caller's use.
func buildDir(st *store.Store, dir string, opts Options, s *stats) (types.ObjectId, []types.ManifestEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, cvgerr.Iof(err, "reading directory %s", dir)
	}
	// os.ReadDir already returns entries sorted by name; this sort is an
	// assertion, not a pass that changes behavior.
	sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

	entries := make([]types.ManifestEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if name == excludedEntry {
			continue
		}
		childPath := filepath.Join(dir, name)
		info, err := os.Lstat(childPath)
		if err != nil {
			return "", nil, cvgerr.Iof(err, "stat %s", childPath)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(childPath)
			if err != nil {
				return "", nil, cvgerr.Iof(err, "reading symlink %s", childPath)
			}
			entries = append(entries, types.EntrySymlink(name, []byte(target)))
			s.symlinks++
		case info.IsDir():
			childID, _, err := buildDir(st, childPath, opts, s)
			if err != nil {
				return "", nil, err
			}
			entries = append(entries, types.EntryDir(name, childID))
			s.dirs++
		default:
			entry, err := buildFile(st, childPath, info, opts)
			if err != nil {
				return "", nil, err
			}
			entries = append(entries, entry)
			s.files++
			s.bytes += info.Size()
		}
	}

	m := &types.Manifest{Version: types.ManifestVersion, Entries: entries}
	id, err := st.PutManifest(m)
	if err != nil {
		return "", nil, err
	}
	return id, entries, nil
}

func buildFile(st *store.Store, path string, info os.FileInfo, opts Options) (types.ManifestEntry, error) {
	mode := fileMode(info)
	size := info.Size()

	if size <= opts.ThresholdBytes {
		data, err := os.ReadFile(path)
		if err != nil {
			return types.ManifestEntry{}, cvgerr.Iof(err, "reading file %s", path)
		}
		blobID, err := st.PutBlob(data)
		if err != nil {
			return types.ManifestEntry{}, err
		}
		return types.EntryFile(info.Name(), blobID, mode, int64(len(data))), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return types.ManifestEntry{}, cvgerr.Iof(err, "opening file %s", path)
	}
	defer f.Close()

	var chunks []types.RecipeChunk
	var total int64
	buf := make([]byte, opts.ChunkSizeBytes)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			blobID, putErr := st.PutBlob(buf[:n])
			if putErr != nil {
				return types.ManifestEntry{}, putErr
			}
			chunks = append(chunks, types.RecipeChunk{Blob: blobID, Size: int64(n)})
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return types.ManifestEntry{}, cvgerr.Iof(err, "reading file %s", path)
		}
	}

	recipe := &types.FileRecipe{Version: types.FileRecipeVersion, Chunks: chunks, TotalSize: total}
	recipeID, err := st.PutRecipe(recipe)
	if err != nil {
		return types.ManifestEntry{}, err
	}
	return types.EntryFileChunks(info.Name(), recipeID, mode, total), nil
}

func fileMode(info os.FileInfo) uint32 {
	if runtime.GOOS == "windows" {
		return 0
	}
	return uint32(info.Mode().Perm())
}
