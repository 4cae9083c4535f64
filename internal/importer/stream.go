package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/workflow-evolver/internal/model"
)

// maxLineBytes bounds a single JSON-lines record.
const maxLineBytes = 1 << 20

// item is one parsed source row. Row is the 1-based physical row (or line)
// number in the source, so reported errors point at the file.
type item struct {
	Row int
	Sub model.EvidenceSubmission
	Err error
}

// emitter hands items to the consumer until ctx ends.
type emitter struct {
	ctx context.Context
	out chan<- item
}

func (e emitter) send(it item) bool {
	select {
	case e.out <- it:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// streamTable maps header-led rows from next into items. next returns
// io.EOF when the source is exhausted.
func streamTable(e emitter, next func() ([]string, error)) error {
	header, err := next()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	cols, err := mapHeader(header)
	if err != nil {
		return err
	}

	row := 1
	for {
		if err := e.ctx.Err(); err != nil {
			return eris.Wrap(err, "importer: context cancelled")
		}
		rec, err := next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "importer: read row %d", row+1)
		}
		row++
		if blank(rec) {
			continue
		}
		sub, err := cols.submission(rec)
		if !e.send(item{Row: row, Sub: sub, Err: err}) {
			return eris.Wrap(e.ctx.Err(), "importer: context cancelled")
		}
	}
}

func streamDelimited(e emitter, r io.Reader, comma rune) error {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return streamTable(e, reader.Read)
}

func streamXLSX(e emitter, path, sheetName string) error {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return eris.Wrap(err, "importer: open xlsx")
	}
	sheet, err := pickSheet(f, sheetName)
	if err != nil {
		return err
	}

	i := 0
	return streamTable(e, func() ([]string, error) {
		if i >= len(sheet.Rows) {
			return nil, io.EOF
		}
		row := sheet.Rows[i]
		i++
		if row == nil {
			return nil, nil
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		return cells, nil
	})
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("importer: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("importer: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

// streamJSONLines decodes one submission per non-blank line.
func streamJSONLines(e emitter, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var sub model.EvidenceSubmission
		var err error
		if jerr := json.Unmarshal([]byte(text), &sub); jerr != nil {
			err = model.Validationf("invalid json: %v", jerr)
		}
		sub.Type = model.ParseEvidenceType(string(sub.Type))
		if !e.send(item{Row: line, Sub: sub, Err: err}) {
			return eris.Wrap(e.ctx.Err(), "importer: context cancelled")
		}
	}
	return eris.Wrap(sc.Err(), "importer: scan json lines")
}

// streamJSONArray decodes a top-level array of submissions element by
// element.
func streamJSONArray(e emitter, r io.Reader) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "importer: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return eris.Errorf("importer: expected '[', got %v", tok)
	}

	n := 0
	for dec.More() {
		if err := e.ctx.Err(); err != nil {
			return eris.Wrap(err, "importer: context cancelled")
		}
		n++
		var sub model.EvidenceSubmission
		if err := dec.Decode(&sub); err != nil {
			// The decoder cannot resync after a syntax error.
			return eris.Wrapf(err, "importer: decode element %d", n)
		}
		sub.Type = model.ParseEvidenceType(string(sub.Type))
		if !e.send(item{Row: n, Sub: sub}) {
			return eris.Wrap(e.ctx.Err(), "importer: context cancelled")
		}
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return eris.Wrap(err, "importer: read closing token")
	}
	return nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
