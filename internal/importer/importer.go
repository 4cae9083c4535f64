// Package importer backfills evidence from exported files. CSV, TSV, XLSX,
// JSON arrays and JSON lines are streamed row by row and each row goes
// through the same ingestion path as a live submission.
package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/registry"
)

// Format is a source file format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatXLSX  Format = "xlsx"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// DetectFormat picks a Format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	default:
		return "", model.Validationf("importer: cannot detect format of %q", path)
	}
}

// Submitter ingests one evidence submission.
type Submitter interface {
	SubmitEvidence(ctx context.Context, sub model.EvidenceSubmission) (*registry.Ack, error)
}

// Options tune an import.
type Options struct {
	// Format overrides extension detection.
	Format Format
	// TenantID fills rows that carry no tenant.
	TenantID string
	// Concurrency bounds in-flight submissions. Default 1 keeps file order.
	Concurrency int
	// SheetName selects an XLSX sheet; default is the first.
	SheetName string
	// MaxErrors caps the row errors kept in the report.
	MaxErrors int
}

// RowError is a rejected row.
type RowError struct {
	Row   int    `json:"row" yaml:"row"`
	Error string `json:"error" yaml:"error"`
}

// Report summarizes an import.
type Report struct {
	Rows         int        `json:"rows" yaml:"rows"`
	Submitted    int        `json:"submitted" yaml:"submitted"`
	DeadLettered int        `json:"dead_lettered" yaml:"dead_lettered"`
	Rejected     int        `json:"rejected" yaml:"rejected"`
	Errors       []RowError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Importer feeds file rows to a Submitter.
type Importer struct {
	sub Submitter
}

// New creates an Importer.
func New(sub Submitter) *Importer {
	return &Importer{sub: sub}
}

// ImportFile streams path into the Submitter. Rows that fail validation
// are counted and reported; any other submission error stops the import.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Report, error) {
	format := opts.Format
	if format == "" {
		var err error
		if format, err = DetectFormat(path); err != nil {
			return nil, err
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 50
	}

	var open func(e emitter) error
	switch format {
	case FormatXLSX:
		open = func(e emitter) error { return streamXLSX(e, path, opts.SheetName) }
	case FormatCSV, FormatTSV, FormatJSON, FormatJSONL:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		open = func(e emitter) error {
			switch format {
			case FormatTSV:
				return streamDelimited(e, f, '\t')
			case FormatJSON:
				return streamJSONArray(e, f)
			case FormatJSONL:
				return streamJSONLines(e, f)
			default:
				return streamDelimited(e, f, ',')
			}
		}
	default:
		return nil, model.Validationf("importer: unsupported format %q", format)
	}

	return im.run(ctx, open, opts)
}

func (im *Importer) run(ctx context.Context, open func(e emitter) error, opts Options) (*Report, error) {
	rep := &Report{}
	var mu sync.Mutex
	reject := func(row int, err error) {
		rep.Rejected++
		if len(rep.Errors) < opts.MaxErrors {
			rep.Errors = append(rep.Errors, RowError{Row: row, Error: err.Error()})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	items := make(chan item, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(items)
		readErr <- open(emitter{ctx: gctx, out: items})
	}()

	for it := range items {
		mu.Lock()
		rep.Rows++
		if it.Err != nil {
			reject(it.Row, it.Err)
			mu.Unlock()
			continue
		}
		mu.Unlock()

		sub := it.Sub
		if sub.TenantID == "" {
			sub.TenantID = opts.TenantID
		}
		row := it.Row
		g.Go(func() error {
			ack, err := im.sub.SubmitEvidence(gctx, sub)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, model.ErrValidation):
				reject(row, err)
			case err != nil:
				return eris.Wrapf(err, "importer: row %d", row)
			case ack.DeadLetterID != "":
				rep.DeadLettered++
			default:
				rep.Submitted++
			}
			return nil
		})
	}

	werr := g.Wait()
	rerr := <-readErr
	if werr != nil {
		return rep, werr
	}
	if rerr != nil {
		return rep, rerr
	}

	zap.L().Info("importer: complete",
		zap.Int("rows", rep.Rows),
		zap.Int("submitted", rep.Submitted),
		zap.Int("dead_lettered", rep.DeadLettered),
		zap.Int("rejected", rep.Rejected),
	)
	return rep, nil
}
