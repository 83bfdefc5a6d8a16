// Package summary tallies the LCA table exported by the classifier: how many
// contigs were assigned to each taxonomic label.
package summary

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"contigtax/internal/logging"
)

// LabelColumn is the 1-based column of lca.tsv holding the taxon name.
const LabelColumn = 4

// maxLineBytes bounds a single table row.
const maxLineBytes = 1 << 20

// Tally is the number of contigs carrying one label.
type Tally struct {
	Label string `yaml:"label"`
	Count int    `yaml:"count"`
}

// Count groups the rows of a tab-separated table by LabelColumn.
// Blank lines are skipped; rows with fewer columns count under the empty
// label. The result is ordered by Sort.
func Count(r io.Reader) ([]Tally, error) {
	counts := make(map[string]int)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	short := 0
	for sc.Scan() {
		line++
		row := strings.TrimSuffix(sc.Text(), "\r")
		if row == "" {
			continue
		}
		fields := strings.SplitN(row, "\t", LabelColumn+1)
		label := ""
		if len(fields) >= LabelColumn {
			label = fields[LabelColumn-1]
		} else {
			short++
		}
		counts[label]++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read table at line %d: %w", line+1, err)
	}
	if short > 0 {
		logging.Get(logging.CategorySummary).Warn("rows without a label column",
			zap.Int("rows", short), zap.Int("column", LabelColumn))
	}

	tallies := make([]Tally, 0, len(counts))
	for label, n := range counts {
		tallies = append(tallies, Tally{Label: label, Count: n})
	}
	Sort(tallies)
	return tallies, nil
}

// Sort orders tallies by descending count; equal counts are ordered by
// ascending label so the output does not depend on input order.
func Sort(tallies []Tally) {
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Count != tallies[j].Count {
			return tallies[i].Count > tallies[j].Count
		}
		return tallies[i].Label < tallies[j].Label
	})
}

// Write emits one "<count>\t<label>" line per tally.
func Write(w io.Writer, tallies []Tally) error {
	bw := bufio.NewWriter(w)
	for _, t := range tallies {
		if _, err := fmt.Fprintf(bw, "%d\t%s\n", t.Count, t.Label); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Summarize tallies the table at inPath into outPath. The output file only
// appears once it is complete.
func Summarize(inPath, outPath string) ([]Tally, error) {
	logger := logging.Get(logging.CategorySummary)

	in, err := os.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("open LCA table: %w", err)
	}
	defer in.Close()

	tallies, err := Count(in)
	if err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(filepath.Dir(outPath), fmt.Sprintf(".%s.%d.tmp", filepath.Base(outPath), os.Getpid()))
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create summary: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := Write(tmp, tallies); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return nil, fmt.Errorf("publish summary: %w", err)
	}

	logger.Info("summary written",
		zap.String("path", outPath), zap.Int("labels", len(tallies)), zap.Int("contigs", Total(tallies)))
	return tallies, nil
}

// Total is the number of rows the tallies were built from.
func Total(tallies []Tally) int {
	n := 0
	for _, t := range tallies {
		n += t.Count
	}
	return n
}
