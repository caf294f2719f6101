package corpus

import (
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Dataset is a prepared split of a parallel corpus.
type Dataset struct {
	Pairs []Pair
}

// Len returns the number of pairs.
func (d *Dataset) Len() int { return len(d.Pairs) }

// Head returns a Dataset with the first n pairs (all of them if n <= 0 or n >= Len()).
// The pairs are shared, not copied.
func (d *Dataset) Head(n int) *Dataset {
	if n <= 0 || n >= len(d.Pairs) {
		return d
	}
	return &Dataset{Pairs: d.Pairs[:n]}
}

// datasetRow is the parquet schema of a Dataset: one row per Pair.
type datasetRow struct {
	Source     []int64 `parquet:"source"`
	Target     []int64 `parquet:"target"`
	SourceText string  `parquet:"source_text"`
	Reference  string  `parquet:"reference"`
}

// WriteParquet writes the dataset in parquet format.
func (d *Dataset) WriteParquet(w io.Writer) error {
	rows := make([]datasetRow, len(d.Pairs))
	for i, p := range d.Pairs {
		rows[i] = datasetRow{
			Source:     toInt64(p.Source),
			Target:     toInt64(p.Target),
			SourceText: p.SourceText,
			Reference:  p.Reference,
		}
	}
	if err := parquet.Write(w, rows); err != nil {
		return errors.Wrapf(err, "failed to write dataset with %d pairs", len(rows))
	}
	return nil
}

// ReadParquet reads a dataset written with Dataset.WriteParquet.
func ReadParquet(path string) (*Dataset, error) {
	rows, err := parquet.ReadFile[datasetRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset %q", path)
	}
	d := &Dataset{Pairs: make([]Pair, len(rows))}
	for i, row := range rows {
		if len(row.Source) == 0 || len(row.Target) == 0 {
			return nil, errors.Errorf("dataset %q: pair #%d has an empty sequence", path, i)
		}
		d.Pairs[i] = Pair{
			Source:     toInt(row.Source),
			Target:     toInt(row.Target),
			SourceText: row.SourceText,
			Reference:  row.Reference,
		}
	}
	return d, nil
}

func toInt64(values []int) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}

func toInt(values []int64) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return out
}
