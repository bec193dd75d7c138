// Package transaction provides the cross-process tree lock and the install
// journal used to detect interrupted operations.
package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// JournalFile is the journal's name inside the cache directory.
const JournalFile = "journal.json"

// ErrNoJournal is returned by LoadJournal when no journal has been written.
var ErrNoJournal = errors.New("no journal")

// State represents the current state of a journaled operation.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Operation is the kind of tree mutation being journaled.
type Operation string

const (
	OperationInstall Operation = "install"
	OperationRestore Operation = "restore"
	OperationUpdate  Operation = "update"
	OperationApply   Operation = "apply"
)

// Journal records an operation on the tree so that a crash part way through
// can be recognised by the next run.
type Journal struct {
	Version   int       `json:"version"` // Schema version for future evolution
	ID        string    `json:"id"`      // UUID for unique identification
	Operation Operation `json:"operation"`
	Codename  string    `json:"codename"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	LastError string    `json:"last_error,omitempty"`

	clock Clock
}

// JournalOption configures a new Journal.
type JournalOption func(*Journal)

// WithClock sets the clock used for journal timestamps.
func WithClock(c Clock) JournalOption {
	return func(j *Journal) {
		if c != nil {
			j.clock = c
		}
	}
}

// NewJournal creates a pending journal entry.
func NewJournal(op Operation, codename string, opts ...JournalOption) *Journal {
	j := &Journal{
		Version:   1,
		ID:        uuid.New().String(),
		Operation: op,
		Codename:  codename,
		State:     StatePending,
		clock:     RealClock{},
	}
	for _, opt := range opts {
		opt(j)
	}
	j.Timestamp = j.now()
	return j
}

func (j *Journal) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock.Now().UTC()
}

// Interrupted reports whether the journal describes an operation that was
// started but never finished.
func (j *Journal) Interrupted() bool {
	return j.State == StatePending || j.State == StateInProgress
}

// Begin marks the operation in progress and saves it.
func (j *Journal) Begin(dir string) error {
	j.State = StateInProgress
	j.Timestamp = j.now()
	return j.Save(dir)
}

// Finish records the outcome of the operation and saves it.
func (j *Journal) Finish(dir string, opErr error) error {
	j.Timestamp = j.now()
	if opErr != nil {
		j.State = StateFailed
		j.LastError = opErr.Error()
	} else {
		j.State = StateCompleted
		j.LastError = ""
	}
	return j.Save(dir)
}

// Save writes the journal to dir atomically.
// Uses write-then-rename pattern for atomicity.
func (j *Journal) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	finalPath := filepath.Join(dir, JournalFile)
	tmpPath := finalPath + ".tmp"

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temporary journal file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename journal file: %w", err)
	}

	// Sync directory for durability
	df, err := os.Open(dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}

	return nil
}

// LoadJournal reads the journal from dir.
func LoadJournal(dir string) (*Journal, error) {
	data, err := os.ReadFile(filepath.Join(dir, JournalFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoJournal
		}
		return nil, fmt.Errorf("read journal file: %w", err)
	}

	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal journal: %w", err)
	}
	return &j, nil
}
