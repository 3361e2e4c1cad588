// Package replay serves recorded monthly quotation tables from disk so the
// pipeline can run end to end without a browser session.
//
// Layout:
//
//	{dir}/catalogue.yaml         instrument records
//	{dir}/{fund_pk}/YYYY-MM.csv  one month table, ';' separated, '#' comments
//
// Table columns follow the public daily report: day;value;...;net worth
// (index 4);...;owners (index 6), with Brazilian number formatting.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fundpricer/internal/model"
	"fundpricer/internal/source"

	"gopkg.in/yaml.v3"
)

const catalogueFile = "catalogue.yaml"

type catalogue struct {
	Instruments []entry `yaml:"instruments"`
}

type entry struct {
	Document   string `yaml:"document"`
	FundPK     string `yaml:"fund_pk"`
	FundName   string `yaml:"fund_name"`
	Active     bool   `yaml:"active"`
	ReleasedOn string `yaml:"released_on"`
}

// Replay is a file-backed source.Source and source.Discoverer.
type Replay struct {
	dir         string
	instruments map[string]model.Instrument
	log         *slog.Logger

	// OnMalformedRow is called with the number of rows skipped in a month file (optional).
	OnMalformedRow func(n int)
}

var (
	_ source.Source     = (*Replay)(nil)
	_ source.Discoverer = (*Replay)(nil)
)

// Open loads the catalogue under dir.
func Open(dir string, logger *slog.Logger) (*Replay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(filepath.Join(dir, catalogueFile))
	if err != nil {
		return nil, fmt.Errorf("replay catalogue: %w", err)
	}
	var cat catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("replay catalogue: %w", err)
	}

	instruments := make(map[string]model.Instrument, len(cat.Instruments))
	for i, e := range cat.Instruments {
		if e.Document == "" || e.FundPK == "" {
			return nil, fmt.Errorf("replay catalogue: instrument %d: document and fund_pk are required", i)
		}
		inst := model.Instrument{
			DocumentID:  e.Document,
			InternalKey: e.FundPK,
			DisplayName: e.FundName,
			Active:      e.Active,
		}
		if e.ReleasedOn != "" {
			t, err := time.Parse("2006-01-02", e.ReleasedOn)
			if err != nil {
				return nil, fmt.Errorf("replay catalogue: %s released_on: %w", e.Document, err)
			}
			inst.ReleasedOn = t
		}
		instruments[e.Document] = inst
	}

	logger.Info("replay source loaded", "dir", dir, "instruments", len(instruments))
	return &Replay{dir: dir, instruments: instruments, log: logger}, nil
}

// Factory returns a source.Factory. Replay is stateless, so every session
// shares it.
func (r *Replay) Factory() source.Factory {
	return func(ctx context.Context) (source.Session, error) {
		return session{r}, nil
	}
}

type session struct{ *Replay }

func (session) Close() error { return nil }

// ResolveInstrument looks the document up in the catalogue.
func (r *Replay) ResolveInstrument(ctx context.Context, documentID string) (model.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return model.Instrument{}, errors.Join(model.ErrSourceUnavailable, err)
	}
	inst, ok := r.instruments[documentID]
	if !ok {
		return model.Instrument{}, fmt.Errorf("document %s: %w", documentID, model.ErrNotFound)
	}
	return inst, nil
}

func (r *Replay) fundDir(internalKey string) (string, error) {
	if internalKey == "" || strings.ContainsAny(internalKey, `/\`) || strings.Contains(internalKey, "..") {
		return "", fmt.Errorf("internal key %q: %w", internalKey, model.ErrPermanentSource)
	}
	return filepath.Join(r.dir, internalKey), nil
}

// ListAvailableMonths lists the month files recorded for a fund.
func (r *Replay) ListAvailableMonths(ctx context.Context, internalKey string) ([]model.Month, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}
	dir, err := r.fundDir(internalKey)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("fund %s: %w", internalKey, model.ErrNotFound)
		}
		return nil, fmt.Errorf("fund %s: %w", internalKey, errors.Join(model.ErrSourceUnavailable, err))
	}

	months := make([]model.Month, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		t, err := time.Parse("2006-01", strings.TrimSuffix(name, ".csv"))
		if err != nil {
			r.log.Warn("ignoring replay file", "fund", internalKey, "file", name)
			continue
		}
		months = append(months, model.MonthOf(t))
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months, nil
}

// FetchMonth reads and parses one month table.
func (r *Replay) FetchMonth(ctx context.Context, internalKey string, month model.Month) ([]model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}
	dir, err := r.fundDir(internalKey)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, month.String()+".csv")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("fund %s month %s: %w", internalKey, month.Token(), model.ErrNotFound)
		}
		return nil, fmt.Errorf("fund %s month %s: %w", internalKey, month.Token(), errors.Join(model.ErrSourceUnavailable, err))
	}
	defer f.Close()

	rows, err := readTable(f)
	if err != nil {
		return nil, fmt.Errorf("fund %s month %s: %w", internalKey, month.Token(), errors.Join(model.ErrPermanentSource, err))
	}
	samples, malformed := source.ParseRows(month, rows, r.log.With("fund", internalKey))
	if malformed > 0 && r.OnMalformedRow != nil {
		r.OnMalformedRow(malformed)
	}
	return samples, nil
}

func readTable(rd io.Reader) ([][]string, error) {
	cr := csv.NewReader(rd)
	cr.Comma = ';'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
	}
	return rows, nil
}
