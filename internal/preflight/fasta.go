package preflight

import (
	"fmt"
	"os"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/seq/linear"
)

// CountContigs parses path as FASTA and returns the number of records.
// An empty or malformed file is reported as ErrContigsInvalid.
func CountContigs(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrContigsMissing, path, err)
	}
	defer f.Close()

	r := fasta.NewReader(f, linear.NewSeq("", nil, alphabet.DNAredundant))
	sc := seqio.NewScanner(r)

	n := 0
	for sc.Next() {
		n++
	}
	if err := sc.Error(); err != nil {
		return n, fmt.Errorf("%w: %s: %v", ErrContigsInvalid, path, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s: no records", ErrContigsInvalid, path)
	}
	return n, nil
}
