// Package state persists the last-applied record used for drift detection
// and idempotent re-apply.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// recordVersion is the on-disk format version of the apply record envelope.
const recordVersion = 1

// Status is the terminal per-service outcome of an apply cycle.
type Status string

const (
	// StatusConverged means the service was created or updated and reached running-healthy.
	StatusConverged Status = "converged"
	// StatusUnchanged means the service already matched the desired spec; no start/stop was issued.
	StatusUnchanged Status = "unchanged"
	// StatusFailed means the service exhausted retries or a dependency failed.
	StatusFailed Status = "failed"
	// StatusSkipped means the service was never attempted because the cycle
	// was cancelled or aborted before its batch.
	StatusSkipped Status = "skipped"
)

// ServiceOutcome records how a single service resolved during an apply cycle.
type ServiceOutcome struct {
	// ID is the service identifier.
	ID string `json:"id"`
	// Status is the terminal status the service reached.
	Status Status `json:"status"`
	// SpecHash is the content hash of the spec that was applied.
	SpecHash string `json:"spec_hash,omitempty"`
	// Handle is the runtime handle of the workload, when one exists.
	Handle string `json:"handle,omitempty"`
	// Attempts counts driver start attempts, including the successful one.
	Attempts int `json:"attempts,omitempty"`
	// Error holds the final error message for failed services.
	Error string `json:"error,omitempty"`
}

// ApplyRecord is the durable snapshot written once at the end of every apply cycle.
type ApplyRecord struct {
	// RunID uniquely identifies the apply cycle.
	RunID string `json:"run_id"`
	// TopologyHash is the content hash of the applied topology.
	TopologyHash string `json:"topology_hash"`
	// AppliedAt is the UTC timestamp the record was written.
	AppliedAt time.Time `json:"applied_at"`
	// Services lists per-service outcomes in plan order.
	Services []ServiceOutcome `json:"services"`
}

// Outcome returns the recorded outcome for a service identifier.
func (r *ApplyRecord) Outcome(id string) (ServiceOutcome, bool) {
	if r == nil {
		return ServiceOutcome{}, false
	}
	for _, svc := range r.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return ServiceOutcome{}, false
}

// envelope wraps the record with a version and an integrity digest so that a
// partially written or corrupted file is detectable.
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// Store reads and writes apply records at a fixed file path.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore constructs a Store persisting to the given path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}, nil
}

// Load returns the last apply record, or nil when none exists. A record that
// fails the version or integrity check is treated as absent so that the next
// apply performs a full re-reconciliation instead of trusting corrupt state.
func (s *Store) Load() (*ApplyRecord, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state %q: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("state file is not valid JSON, treating as empty", "path", s.path, "error", err)
		return nil, nil
	}
	if env.Version != recordVersion {
		s.logger.Warn("state file has unsupported version, treating as empty", "path", s.path, "version", env.Version)
		return nil, nil
	}
	if digest(env.Record) != env.Checksum {
		s.logger.Warn("state file failed integrity check, treating as empty", "path", s.path)
		return nil, nil
	}

	var rec ApplyRecord
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		s.logger.Warn("state record is malformed, treating as empty", "path", s.path, "error", err)
		return nil, nil
	}
	return &rec, nil
}

// Save writes the record atomically: the envelope is written to a temporary
// file in the same directory and renamed over the previous state.
func (s *Store) Save(rec *ApplyRecord) error {
	if rec == nil {
		return fmt.Errorf("apply record is nil")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode apply record: %w", err)
	}

	env := envelope{
		Version:  recordVersion,
		Checksum: digest(payload),
		Record:   payload,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state envelope: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file %q: %w", s.path, err)
	}
	return nil
}

// Clear removes the persisted record, if any.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file %q: %w", s.path, err)
	}
	return nil
}

// digest hashes the compact form of the record so the checksum is unaffected
// by how the surrounding envelope was indented on disk.
func digest(payload json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return ""
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
