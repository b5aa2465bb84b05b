package upgrade

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alekspetrov/warden/internal/fsutil"
	"github.com/alekspetrov/warden/internal/watch"
)

// CheckpointFile is the checkpoint name under the state directory.
const CheckpointFile = "checkpoint.json"

// Metadata keys
const (
	MetaTargetVersion = "target_version"
	MetaRunID         = "run_id"
)

var (
	// ErrChecksumMismatch means the checkpoint bytes are not what was written.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
	// ErrIncompatibleVersion means the checkpoint came from a version the
	// running binary cannot restore.
	ErrIncompatibleVersion = errors.New("checkpoint version incompatible")
)

// Checkpoint is the in-flight watch state carried across a self-update exit.
type Checkpoint struct {
	ID          int64             `json:"checkpoint_id"`
	CreatedAt   time.Time         `json:"created_at"`
	ToolVersion string            `json:"tool_version"`
	WatchState  watch.WatchState  `json:"watch_state"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Checksum    string            `json:"checksum"`
}

// payload is the canonical encoding of everything but the checksum.
func (c *Checkpoint) payload() ([]byte, error) {
	cp := *c
	cp.Checksum = ""
	return json.Marshal(&cp)
}

func (c *Checkpoint) computeChecksum() (string, error) {
	data, err := c.payload()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the checksum.
func (c *Checkpoint) Seal() error {
	c.CreatedAt = c.CreatedAt.UTC()
	sum, err := c.computeChecksum()
	if err != nil {
		return fmt.Errorf("checksum checkpoint: %w", err)
	}
	c.Checksum = sum
	return nil
}

// Marshal returns the file encoding of a sealed checkpoint.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// DecodeCheckpoint parses and validates checkpoint bytes. Any deviation from
// the exact encoding Marshal produced, or a checksum that does not match the
// payload, returns ErrChecksumMismatch.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	canonical, err := c.Marshal()
	if err != nil {
		return nil, fmt.Errorf("re-encode checkpoint: %w", err)
	}
	if !bytes.Equal(canonical, data) {
		return nil, fmt.Errorf("%w: encoding differs from written bytes", ErrChecksumMismatch)
	}
	sum, err := c.computeChecksum()
	if err != nil {
		return nil, fmt.Errorf("checksum checkpoint: %w", err)
	}
	if sum != c.Checksum {
		return nil, fmt.Errorf("%w: have %.12s, computed %.12s", ErrChecksumMismatch, c.Checksum, sum)
	}
	return &c, nil
}

// WriteCheckpoint seals c and writes it atomically to path.
func WriteCheckpoint(path string, c *Checkpoint) error {
	if err := c.Seal(); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fsutil.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint reads and validates the checkpoint at path. A missing file
// returns nil, nil.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return DecodeCheckpoint(data)
}

// RemoveCheckpoint deletes the checkpoint at path if present.
func RemoveCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
