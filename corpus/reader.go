// Package corpus prepares parallel corpora for training: it reads line-aligned source and target
// files, normalizes and segments the sentences, applies the length policy and turns each pair
// into vocabulary indices.
package corpus

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
)

// maxLineSize is the largest line accepted by ReadLines.
const maxLineSize = 1 << 20

// RawPair is a source sentence and its translation, as read from the corpus files.
type RawPair struct {
	Line           int // 1-based line number in both files.
	Source, Target string
}

// ReadLines reads all lines from path. Trailing empty lines at the end of the file are dropped.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus file %q", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read corpus file %q", path)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// ReadParallel reads line-aligned source and target files, and returns up to limit pairs (all
// pairs if limit <= 0).
//
// Files with a different number of lines can't be aligned, and an error is returned, whatever
// the limit.
func ReadParallel(sourcePath, targetPath string, limit int) ([]RawPair, error) {
	sources, err := ReadLines(sourcePath)
	if err != nil {
		return nil, err
	}
	targets, err := ReadLines(targetPath)
	if err != nil {
		return nil, err
	}
	if len(sources) != len(targets) {
		return nil, errors.Errorf("parallel corpus is misaligned: %q has %d lines, %q has %d lines",
			sourcePath, len(sources), targetPath, len(targets))
	}
	if limit > 0 && limit < len(sources) {
		sources, targets = sources[:limit], targets[:limit]
	}
	pairs := make([]RawPair, len(sources))
	for i := range sources {
		pairs[i] = RawPair{Line: i + 1, Source: sources[i], Target: targets[i]}
	}
	return pairs, nil
}
