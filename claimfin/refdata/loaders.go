package refdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// StaticLoader serves entries from memory.
type StaticLoader map[Kind]map[string]Entry

func NewStaticLoader(entries ...Entry) StaticLoader {
	l := StaticLoader{}
	for _, e := range entries {
		l.add(e)
	}
	return l
}

func (l StaticLoader) add(e Entry) {
	if l[e.Kind] == nil {
		l[e.Kind] = make(map[string]Entry)
	}
	l[e.Kind][e.ID] = e
}

func (l StaticLoader) Load(ctx context.Context, kind Kind, id string) (Entry, error) {
	if e, ok := l[kind][id]; ok {
		return e, nil
	}
	return Entry{}, ErrNotFound
}

func (l StaticLoader) All(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for _, byID := range l {
		for _, e := range byID {
			out = append(out, e)
		}
	}
	return out, nil
}

var csvHeader = []string{"kind", "id", "name", "description"}

// ReadCSV parses reference entries with the header kind,id,name,description.
func ReadCSV(r io.Reader) (StaticLoader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(csvHeader)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read reference data header")
	}
	for i, h := range csvHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), h) {
			return nil, fmt.Errorf("unexpected reference data header %v, expected %v", header, csvHeader)
		}
	}

	l := StaticLoader{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read reference data record")
		}
		kind := Kind(strings.ToLower(strings.TrimSpace(record[0])))
		switch kind {
		case Facility, Payer, Clinician, DenialCode:
		default:
			return nil, fmt.Errorf("unknown reference data kind %q", record[0])
		}
		l.add(Entry{Kind: kind, ID: strings.TrimSpace(record[1]), Name: record[2], Description: record[3]})
	}
	return l, nil
}

// LoadCSVFile reads a reference data file from disk.
func LoadCSVFile(path string) (StaticLoader, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open reference data file %s", path)
	}
	defer f.Close()
	return ReadCSV(f)
}
