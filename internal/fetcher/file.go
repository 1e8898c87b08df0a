package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// File replays a saved FuelCheck prices response from disk.
type File struct {
	path string
	loc  *time.Location
}

// NewFile constructs a file-backed feed; loc defaults to UTC.
func NewFile(path string, loc *time.Location) *File {
	if loc == nil {
		loc = time.UTC
	}
	return &File{path: path, loc: loc}
}

// Fetch reads and normalises the file.
func (f *File) Fetch(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read feed file: %w", err)
	}
	var payload pricesResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("decode feed file %s: %w", f.path, err)
	}
	return normalise(payload, f.loc), nil
}

var _ Feed = (*File)(nil)
