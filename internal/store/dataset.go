package store

import (
	"bufio"
	"fmt"
	"os"
)

const maxLineSize = 16 << 20

// ReadLines loads a line-oriented dataset. Blank lines are dropped; the first
// line is skipped when skipHeader is set.
func ReadLines(path string, skipHeader bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			if skipHeader {
				continue
			}
		}
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	return lines, nil
}
