package artifact

import (
	"fmt"
	"os"
)

// Rebuild reconstructs a tracker from the slice files in dir. Difference
// images and unrelated files are ignored. Units that produced no slice leave
// no file and are therefore not restored.
func Rebuild(dir string) (*Tracker, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read run directory: %w", err)
	}
	t := NewTracker()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := ParseName(entry.Name())
		if !ok {
			continue
		}
		phase, ok := name.Phase()
		if !ok {
			continue
		}
		if err := t.Record(name.Key, name.Offset, phase, entry.Name()); err != nil {
			return nil, fmt.Errorf("rebuild %s: %w", entry.Name(), err)
		}
	}
	return t, nil
}
