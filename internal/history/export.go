package history

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/manash/gentrack/internal/security"
	"github.com/manash/gentrack/pkg/models"
)

// ExportOptions controls Export.
type ExportOptions struct {
	// IncludeRaw keeps RawStream and PayloadSnapshot in the output.
	IncludeRaw bool
}

// Export writes one JSON file per entry into dir and returns the written
// paths.
func Export(dir string, entries []*models.ImageEntry, opts ExportOptions) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		path, err := security.ExportPath(dir, entry.ImageID)
		if err != nil {
			return paths, fmt.Errorf("export %s: %w", entry.ImageID, err)
		}

		out := entry
		if !opts.IncludeRaw {
			out = stripRaw(entry)
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return paths, fmt.Errorf("failed to marshal entry %s: %w", entry.ImageID, err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func stripRaw(entry *models.ImageEntry) *models.ImageEntry {
	cp := *entry
	cp.Attempts = make([]*models.Attempt, len(entry.Attempts))
	for i, a := range entry.Attempts {
		ac := *a
		ac.RawStream = ""
		ac.PayloadSnapshot = ""
		cp.Attempts[i] = &ac
	}
	return &cp
}
