package ml

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

//go:embed iris.csv
var irisCSV []byte

// Dataset is a labelled table: one feature row per label.
type Dataset struct {
	FeatureNames []string
	ClassNames   []string
	Features     [][]float64
	Labels       []int
}

func (d *Dataset) Len() int { return len(d.Labels) }

// Classes returns the label values 0..n-1 covered by the dataset.
func (d *Dataset) Classes() []int {
	maxLabel := -1
	for _, l := range d.Labels {
		if l > maxLabel {
			maxLabel = l
		}
	}
	classes := make([]int, maxLabel+1)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

// LoadIris returns the classic 150-row iris dataset.
func LoadIris() (*Dataset, error) {
	ds, err := LoadCSV(bytes.NewReader(irisCSV), CSVOptions{Header: true})
	if err != nil {
		return nil, err
	}
	ds.ClassNames = []string{"setosa", "versicolor", "virginica"}
	return ds, nil
}

type CSVOptions struct {
	// Header marks the first record as column names.
	Header bool
	// Encoding is a WHATWG encoding label such as "gbk" or "utf-16le".
	// Empty means UTF-8.
	Encoding string
	Comma    rune
}

// LoadCSV reads a labelled dataset whose last column is the class. Labels
// are used as-is when every one of them is a non-negative integer;
// otherwise they are treated as names and numbered in order of first
// appearance.
func LoadCSV(r io.Reader, opts CSVOptions) (*Dataset, error) {
	if opts.Encoding != "" && !strings.EqualFold(opts.Encoding, "utf-8") {
		enc, err := htmlindex.Get(opts.Encoding)
		if err != nil {
			return nil, fmt.Errorf("unknown encoding %q: %w", opts.Encoding, err)
		}
		r = transform.NewReader(r, enc.NewDecoder())
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	ds := &Dataset{}
	if opts.Header {
		if len(records) == 0 {
			return nil, ErrEmptyDataset
		}
		header := records[0]
		if len(header) < 2 {
			return nil, errors.New("csv needs at least one feature column and a label column")
		}
		ds.FeatureNames = append([]string(nil), header[:len(header)-1]...)
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}

	rawLabels := make([]string, 0, len(records))
	for i, record := range records {
		if len(record) < 2 {
			return nil, fmt.Errorf("csv row %d: needs at least one feature and a label", i+1)
		}
		row := make([]float64, len(record)-1)
		for j, cell := range record[:len(record)-1] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("csv row %d column %d: %w", i+1, j+1, err)
			}
			row[j] = v
		}
		ds.Features = append(ds.Features, row)
		rawLabels = append(rawLabels, strings.TrimSpace(record[len(record)-1]))
	}

	ds.Labels, ds.ClassNames = encodeLabels(rawLabels)
	return ds, nil
}

func encodeLabels(raw []string) ([]int, []string) {
	labels := make([]int, len(raw))
	numeric := true
	for i, s := range raw {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			numeric = false
			break
		}
		labels[i] = v
	}
	if numeric {
		return labels, nil
	}

	index := make(map[string]int)
	var names []string
	for i, s := range raw {
		id, ok := index[s]
		if !ok {
			id = len(names)
			index[s] = id
			names = append(names, s)
		}
		labels[i] = id
	}
	return labels, names
}
