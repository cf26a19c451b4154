package dictionary

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is one parsed correction.
type Entry struct {
	Key   string
	Value string
}

// ReadFile parses a correction list from path. A missing file yields no
// entries.
func ReadFile(path string) ([]Entry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open dictionary file %q: %w", path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dictionary file %q: %w", path, err)
	}
	return entries, nil
}

// Parse reads "spoken => Written" lines. Blank lines and lines starting with
// # are skipped. Later lines override earlier ones with the same key.
func Parse(r io.Reader) ([]Entry, error) {
	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(contents), "\n")
	entries := make([]Entry, 0, len(lines))
	index := make(map[string]int, len(lines))

	for n, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if at, ok := index[entry.Key]; ok {
			entries[at] = entry
			continue
		}
		index[entry.Key] = len(entries)
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return Entry{}, errors.New("expected \"key => value\"")
	}
	key := strings.ToLower(strings.TrimSpace(parts[0]))
	value := strings.TrimSpace(parts[1])
	if key == "" {
		return Entry{}, errors.New("key cannot be empty")
	}
	if value == "" {
		return Entry{}, errors.New("value cannot be empty")
	}
	return Entry{Key: key, Value: value}, nil
}
