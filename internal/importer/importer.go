// Package importer ingests course export files into the local task store.
//
// Exports are produced by external course platforms as JSON, YAML, or TOML
// documents holding a list of assignments. Each assignment carries a stable
// source id; an assignment whose id is already present locally is skipped,
// so re-dropping the same export is harmless.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	syncpkg "github.com/mkarlsson/studysync/internal/sync"
	"github.com/mkarlsson/studysync/internal/task"
)

// export is the on-disk document shape shared by all three formats.
type export struct {
	Course      string       `json:"course" yaml:"course" toml:"course"`
	Assignments []assignment `json:"assignments" yaml:"assignments" toml:"assignments"`
}

type assignment struct {
	ID         string `json:"id" yaml:"id" toml:"id"`
	Title      string `json:"title" yaml:"title" toml:"title"`
	DueDate    string `json:"dueDate" yaml:"dueDate" toml:"dueDate"`
	ReminderAt string `json:"reminderAt" yaml:"reminderAt" toml:"reminderAt"`
}

// Report summarizes one import run.
type Report struct {
	// Imported is the number of new tasks created.
	Imported int
	// Skipped is the number of assignments already present locally.
	Skipped int
	// Rejected is the number of assignments missing an id or title.
	Rejected int
}

// Importer reads course exports and creates tasks for one owner.
type Importer struct {
	store   syncpkg.LocalStore
	ownerID string
	logger  *log.Logger
	now     func() time.Time
}

// New creates an importer writing to the given store on behalf of ownerID.
func New(store syncpkg.LocalStore, ownerID string, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}
	return &Importer{
		store:   store,
		ownerID: ownerID,
		logger:  logger,
		now:     time.Now,
	}
}

// ImportFile reads one export file, creating a task per new assignment.
// The format is chosen by file extension.
func (i *Importer) ImportFile(ctx context.Context, path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read export %s: %w", path, err)
	}

	doc, err := decode(path, data)
	if err != nil {
		return Report{}, err
	}

	return i.importExport(ctx, doc)
}

func decode(path string, data []byte) (export, error) {
	var doc export
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return export{}, fmt.Errorf("failed to parse JSON export %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return export{}, fmt.Errorf("failed to parse YAML export %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return export{}, fmt.Errorf("failed to parse TOML export %s: %w", path, err)
		}
	default:
		return export{}, fmt.Errorf("unsupported export format %q", ext)
	}
	return doc, nil
}

func (i *Importer) importExport(ctx context.Context, doc export) (Report, error) {
	var report Report

	for _, a := range doc.Assignments {
		if a.ID == "" || a.Title == "" {
			report.Rejected++
			continue
		}

		existing, err := i.store.GetByExternalSourceID(ctx, i.ownerID, a.ID)
		if err != nil {
			return report, fmt.Errorf("failed to check source id %s: %w", a.ID, err)
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		t := task.Task{
			Title:            a.Title,
			Subject:          doc.Course,
			DueDate:          a.DueDate,
			ReminderAt:       a.ReminderAt,
			CreatedAt:        i.now().UTC().Format(time.RFC3339),
			ExternalSourceID: a.ID,
			OwnerID:          i.ownerID,
		}
		if _, err := i.store.Insert(ctx, t); err != nil {
			return report, fmt.Errorf("failed to insert assignment %s: %w", a.ID, err)
		}
		report.Imported++
	}

	i.logger.Printf("Imported %d, skipped %d, rejected %d from course %q",
		report.Imported, report.Skipped, report.Rejected, doc.Course)
	return report, nil
}
