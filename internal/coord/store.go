package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdbench/pdbench/internal/plan"
)

// KV is the durable shared medium. Implementations must give set-once
// semantics per key: a Put on an existing key fails with ErrKeyExists.
// Any storage all nodes can reach works; the stock implementation is a
// shared filesystem directory.
type KV interface {
	// Put writes value under key, failing if the key already exists.
	Put(ctx context.Context, key string, value []byte) error
	// Replace writes value under key unconditionally.
	Replace(ctx context.Context, key string, value []byte) error
	// Get returns the value for key, with found=false when absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
}

// ErrKeyExists is returned by Put when the key is already present.
var ErrKeyExists = fmt.Errorf("key already exists")

// FileKV is a KV over a directory on a filesystem shared by all nodes.
// Writes go through a temp file and rename so readers never observe a
// partial value.
type FileKV struct {
	root string
}

// NewFileKV creates (if needed) the backing directory and returns the store.
func NewFileKV(root string) (*FileKV, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create coordination dir: %w", err)
	}
	return &FileKV{root: root}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key)+".json")
}

// Put implements set-once semantics. The existence check and the rename are
// not atomic together, but each key has exactly one legitimate writer so the
// race cannot occur in a conforming deployment.
func (f *FileKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := os.Stat(f.path(key)); err == nil {
		return fmt.Errorf("put %s: %w", key, ErrKeyExists)
	}
	return f.write(key, value)
}

// Replace writes the key unconditionally.
func (f *FileKV) Replace(_ context.Context, key string, value []byte) error {
	return f.write(key, value)
}

func (f *FileKV) write(key string, value []byte) error {
	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Get reads a key, treating a missing file as not-found rather than an error.
func (f *FileKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Board is the typed coordination surface for one job: readiness records,
// service endpoints, and the terminal job result, all scoped under the
// job ID so a rerun supersedes rather than collides.
type Board struct {
	kv    KV
	jobID string
}

// NewBoard wraps a KV for the given job.
func NewBoard(kv KV, jobID string) *Board {
	return &Board{kv: kv, jobID: jobID}
}

// JobID returns the job this board is scoped to.
func (b *Board) JobID() string { return b.jobID }

func (b *Board) key(k string) string {
	return b.jobID + "/" + k
}

// PublishStatus writes a readiness record for a rank. A Starting record may
// be superseded; a terminal record is written exactly once, and an attempt
// to overwrite one is rejected to keep transitions monotonic.
func (b *Board) PublishStatus(ctx context.Context, rec ReadinessRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	existing, found, err := b.Status(ctx, rec.Role, rec.Rank)
	if err != nil {
		return err
	}
	if found && existing.Status.Terminal() {
		return fmt.Errorf("status for %s rank %d is already terminal (%s)",
			rec.Role, rec.Rank, existing.Status)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal readiness record: %w", err)
	}
	return b.kv.Replace(ctx, b.key(statusKey(rec.Role, rec.Rank)), data)
}

// Status reads the current readiness record for a rank.
func (b *Board) Status(ctx context.Context, role plan.Role, rank int) (ReadinessRecord, bool, error) {
	var rec ReadinessRecord
	data, found, err := b.kv.Get(ctx, b.key(statusKey(role, rank)))
	if err != nil || !found {
		return rec, false, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, false, fmt.Errorf("decode readiness record: %w", err)
	}
	return rec, true, nil
}

// PublishEndpoint writes a rank's listening endpoint. Endpoints are
// immutable once published.
func (b *Board) PublishEndpoint(ctx context.Context, ep ServiceEndpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	return b.kv.Put(ctx, b.key(endpointKey(ep.Role, ep.Rank)), data)
}

// Endpoint reads a rank's published endpoint.
func (b *Board) Endpoint(ctx context.Context, role plan.Role, rank int) (ServiceEndpoint, bool, error) {
	var ep ServiceEndpoint
	data, found, err := b.kv.Get(ctx, b.key(endpointKey(role, rank)))
	if err != nil || !found {
		return ep, false, err
	}
	if err := json.Unmarshal(data, &ep); err != nil {
		return ep, false, fmt.Errorf("decode endpoint: %w", err)
	}
	return ep, true, nil
}

// PublishResult records the job's terminal outcome. Written once, by the
// router node.
func (b *Board) PublishResult(ctx context.Context, res JobResult) error {
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now().UTC()
	}
	res.JobID = b.jobID
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	return b.kv.Put(ctx, b.key(resultKey), data)
}

// Result reads the job's terminal outcome, if published.
func (b *Board) Result(ctx context.Context) (JobResult, bool, error) {
	var res JobResult
	data, found, err := b.kv.Get(ctx, b.key(resultKey))
	if err != nil || !found {
		return res, false, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, false, fmt.Errorf("decode job result: %w", err)
	}
	return res, true, nil
}

// Snapshot returns all readiness records currently published for the plan,
// keyed "role/rank". Used by the status CLI and the report server.
func (b *Board) Snapshot(ctx context.Context, assignments []plan.NodeAssignment) (map[string]ReadinessRecord, error) {
	out := make(map[string]ReadinessRecord)
	collect := func(role plan.Role, rank int) error {
		rec, found, err := b.Status(ctx, role, rank)
		if err != nil {
			return err
		}
		if found {
			out[fmt.Sprintf("%s/%d", role, rank)] = rec
		}
		return nil
	}

	if _, ok := plan.RouterNode(assignments); ok {
		if err := collect(plan.RoleRouter, 0); err != nil {
			return nil, err
		}
	}
	for _, a := range assignments {
		if err := collect(a.Role, a.RankInRole); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SanitizeJobID rejects job IDs that would escape the coordination root.
func SanitizeJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job ID is empty")
	}
	if strings.ContainsAny(jobID, "/\\") || strings.Contains(jobID, "..") {
		return fmt.Errorf("job ID %q contains path separators", jobID)
	}
	return nil
}
