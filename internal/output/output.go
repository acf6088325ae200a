// Package output writes loopguard results to files.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"loopguard/internal/batch"
	"loopguard/internal/bytecode"
)

// Report summarizes one instrument run.
type Report struct {
	Input  string      `json:"input"`
	Output string      `json:"output"`
	Stats  batch.Stats `json:"stats"`
	Errors []string    `json:"errors,omitempty"`
}

// NewReport builds a report from the result of batch.Runner.Run. A
// multierror contributes one entry per failed class.
func NewReport(input, output string, stats batch.Stats, err error) *Report {
	r := &Report{Input: input, Output: output, Stats: stats}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			r.Errors = append(r.Errors, e.Error())
		}
	} else if err != nil {
		r.Errors = []string{err.Error()}
	}
	return r
}

// WriteReport writes r as indented JSON.
func WriteReport(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	return writeJSON(path, r)
}

// WriteListing writes the instruction listing of b to asm/<name>.txt.
// name may contain path separators (e.g., "app/Loops/run") for directory
// grouping.
func WriteListing(dir, name string, b *bytecode.Body, annotators ...bytecode.Annotator) error {
	path := filepath.Join(dir, "asm", filepath.FromSlash(name)+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}
	text := bytecode.Format(b, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
