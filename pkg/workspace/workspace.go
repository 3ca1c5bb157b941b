// Package workspace manages the client-side .converge directory: a YAML
// config (remote URL, bearer token, chunking thresholds) and a bbolt
// database caching lane heads and local snap history so status-style CLI
// output doesn't need a round trip to the server.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/convergence/pkg/cvgerr"
	"github.com/cuemby/convergence/pkg/types"
)

const (
	dirName    = ".converge"
	configFile = "config.yaml"
	stateFile  = "state.db"
)

var (
	bucketLaneHeads   = []byte("lane_heads")
	bucketSnapHistory = []byte("snap_history")
)

// Config is the per-workspace YAML config at .converge/config.yaml.
type Config struct {
	RemoteURL           string `yaml:"remote_url"`
	RepoID              string `yaml:"repo_id"`
	Token               string `yaml:"token"`
	ClientID            string `yaml:"client_id"`
	ChunkThresholdBytes int64  `yaml:"chunk_threshold_bytes,omitempty"`
	ChunkSizeBytes      int64  `yaml:"chunk_size_bytes,omitempty"`
}

// Workspace is an open .converge directory: its root, its loaded config,
// and its bbolt local index.
type Workspace struct {
	Root   string
	Dir    string
	Config Config
	db     *bolt.DB
}

// Find walks up from start looking for a .converge directory, the way
// most VCS clients resolve their workspace root from a subdirectory.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", cvgerr.Iof(err, "resolving %s", start)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, dirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", cvgerr.NotFoundf("no %s directory found above %s", dirName, start)
		}
		dir = parent
	}
}

// Init creates a new workspace at root: the .converge directory, its
// config file, and its local bbolt index.
func Init(root string, cfg Config) (*Workspace, error) {
	dir := filepath.Join(root, dirName)
	if _, err := os.Stat(dir); err == nil {
		return nil, cvgerr.Validationf("%s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cvgerr.Iof(err, "creating %s", dir)
	}

	w := &Workspace{Root: root, Dir: dir, Config: cfg}
	if err := w.SaveConfig(); err != nil {
		return nil, err
	}
	if err := w.openDB(); err != nil {
		return nil, err
	}
	return w, nil
}

// Open loads an existing workspace at root.
func Open(root string) (*Workspace, error) {
	dir := filepath.Join(root, dirName)
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, cvgerr.Iof(err, "reading %s", configFile)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cvgerr.Iof(err, "parsing %s", configFile)
	}
	w := &Workspace{Root: root, Dir: dir, Config: cfg}
	if err := w.openDB(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workspace) openDB() error {
	db, err := bolt.Open(filepath.Join(w.Dir, stateFile), 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return cvgerr.Iof(err, "opening %s", stateFile)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLaneHeads, bucketSnapHistory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return cvgerr.Iof(err, "initializing %s", stateFile)
	}
	w.db = db
	return nil
}

// SaveConfig persists w.Config to disk, overwriting any existing file.
func (w *Workspace) SaveConfig() error {
	data, err := yaml.Marshal(w.Config)
	if err != nil {
		return cvgerr.Iof(err, "encoding config")
	}
	if err := os.WriteFile(filepath.Join(w.Dir, configFile), data, 0o600); err != nil {
		return cvgerr.Iof(err, "writing %s", configFile)
	}
	return nil
}

// ObjectsDir is the workspace's local content-addressed object store
// directory, the staging area snap/publish build into before anything
// reaches the server.
func (w *Workspace) ObjectsDir() string {
	return filepath.Join(w.Dir, "objects")
}

// Close releases the workspace's bbolt handle.
func (w *Workspace) Close() error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

// laneHeadKey joins a lane and user id into one bbolt key with a "/"
// separator. Neither id is checked for a "/" anywhere in this repository.
func laneHeadKey(laneID, userID string) []byte {
	return []byte(laneID + "/" + userID)
}

// CacheLaneHead records the last-known head the server reported for
// (laneID, userID), for offline status/lane display.
func (w *Workspace) CacheLaneHead(laneID, userID string, head types.LaneHead) error {
	data, err := json.Marshal(head)
	if err != nil {
		return cvgerr.Iof(err, "encoding lane head")
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLaneHeads).Put(laneHeadKey(laneID, userID), data)
	})
}

// CachedLaneHead returns the last head cached for (laneID, userID).
func (w *Workspace) CachedLaneHead(laneID, userID string) (types.LaneHead, bool, error) {
	var head types.LaneHead
	var found bool
	err := w.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLaneHeads).Get(laneHeadKey(laneID, userID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &head)
	})
	if err != nil {
		return types.LaneHead{}, false, cvgerr.Iof(err, "reading cached lane head")
	}
	return head, found, nil
}

// maxLocalHistory bounds how many local snap records are retained; older
// entries are dropped oldest-first once the bucket exceeds this count.
const maxLocalHistory = 50

// RecordLocalSnap appends rec to the local snap history, keyed by
// CreatedAt so bbolt's default byte ordering keeps it chronological.
func (w *Workspace) RecordLocalSnap(rec *types.SnapRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return cvgerr.Iof(err, "encoding snap record")
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapHistory)
		if err := b.Put([]byte(rec.CreatedAt+"/"+string(rec.ID)), data); err != nil {
			return err
		}
		return trimHistory(b)
	})
}

func trimHistory(b *bolt.Bucket) error {
	n := b.Stats().KeyN
	if n <= maxLocalHistory {
		return nil
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil && n > maxLocalHistory; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
		n--
	}
	return nil
}

// LocalSnapHistory returns up to limit of the most recent local snap
// records, newest first.
func (w *Workspace) LocalSnapHistory(limit int) ([]*types.SnapRecord, error) {
	var out []*types.SnapRecord
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec types.SnapRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, cvgerr.Iof(err, "reading snap history")
	}
	return out, nil
}
