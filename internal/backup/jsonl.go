// Package backup exports and restores the local task database as JSONL.
//
// One task per line keeps backups diffable and lets a truncated file
// restore everything up to the damage.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	syncpkg "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/task"
)

// RestoreResult contains statistics about a restore run.
type RestoreResult struct {
	Restored int
	Skipped  int
	Errors   []string
}

// Export writes all of the owner's tasks to a JSONL file. An existing file
// at path is replaced atomically.
func Export(ctx context.Context, store syncpkg.LocalStore, ownerID, path string) (int, error) {
	tasks, err := store.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to read tasks: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup file: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("failed to write task %d: %w", t.ID, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize backup: %w", err)
	}

	return len(tasks), nil
}

// Restore reads a JSONL backup and upserts each task for the owner. Tasks
// in the file belonging to other owners are skipped. Malformed lines are
// reported but do not abort the run.
func Restore(ctx context.Context, store syncpkg.LocalStore, ownerID, path string) (RestoreResult, error) {
	var result RestoreResult

	f, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	line := 0
	for {
		var t task.Task
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line+1, err))
			break
		}
		line++

		if t.OwnerID != ownerID {
			result.Skipped++
			continue
		}
		if err := t.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		if err := store.Upsert(ctx, t); err != nil {
			return result, fmt.Errorf("failed to restore task %d: %w", t.ID, err)
		}
		result.Restored++
	}

	return result, nil
}

// DefaultPath returns a timestamped backup path under dir.
func DefaultPath(dir string) string {
	name := fmt.Sprintf("tasks-%s.jsonl", time.Now().Format("20060102-150405"))
	return filepath.Join(dir, name)
}
