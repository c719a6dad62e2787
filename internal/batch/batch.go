// Package batch scores files of transactions offline and writes a CSV
// report. Input is JSON Lines (one request per line) or CSV (one
// transaction per row, header row required).
package batch

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/scoring"
)

// Format is an input file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// DetectFormat picks the format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, nil
	case ".csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("cannot infer input format from %q; use -format", path)
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSONL, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want jsonl or csv)", s)
}

// Source yields requests one at a time. Next returns io.EOF after the last
// one; any other error applies to that item only.
type Source interface {
	Next() (scoring.Request, error)
}

// NewSource returns a Source reading r in the given format.
func NewSource(r io.Reader, format Format) (Source, error) {
	switch format {
	case FormatJSONL:
		return newJSONLSource(r), nil
	case FormatCSV:
		return newCSVSource(r)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

type jsonlSource struct {
	scanner *bufio.Scanner
}

func newJSONLSource(r io.Reader) *jsonlSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &jsonlSource{scanner: sc}
}

func (s *jsonlSource) Next() (scoring.Request, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		return scoring.ParseRequest([]byte(line))
	}
	if err := s.scanner.Err(); err != nil {
		return scoring.Request{}, err
	}
	return scoring.Request{}, io.EOF
}

type csvSource struct {
	reader *csv.Reader
	header []string
}

func newCSVSource(r io.Reader) (*csvSource, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv input has no header row")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return &csvSource{reader: cr, header: header}, nil
}

func (s *csvSource) Next() (scoring.Request, error) {
	row, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return scoring.Request{}, io.EOF
		}
		return scoring.Request{}, fmt.Errorf("%w: %v", features.ErrMalformedInput, err)
	}
	rec := make(features.Record, len(s.header))
	for i, name := range s.header {
		if name == "" || i >= len(row) {
			continue
		}
		rec[name] = parseCell(row[i])
	}
	return scoring.Request{Transaction: rec}, nil
}

// parseCell types a CSV cell the way a dataframe reader would: blanks and
// NaN are missing, then integer, float, boolean, and finally string.
func parseCell(cell string) features.Value {
	s := strings.TrimSpace(cell)
	switch s {
	case "", "NaN", "nan", "NA", "null", "None":
		return features.Null()
	case "True", "true", "TRUE":
		return features.Bool(true)
	case "False", "false", "FALSE":
		return features.Bool(false)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return features.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) {
		return features.Float(f)
	}
	return features.String(s)
}

// Scorer scores one transaction. *scoring.Engine satisfies it.
type Scorer interface {
	Score(ctx context.Context, req scoring.Request) (*scoring.PredictionResult, error)
}

// Row is the outcome for one input item.
type Row struct {
	Index         int
	TransactionID string
	Result        *scoring.PredictionResult
	Err           error
}

// Summary counts outcomes.
type Summary struct {
	Total  int
	Fraud  int
	Safe   int
	Errors int
}

// Run scores up to limit items from src (all of them when limit <= 0).
// Per-item failures are recorded in their Row; only ctx cancellation and
// unreadable input stop the run. onRow, if set, sees each row as it is
// produced.
func Run(ctx context.Context, scorer Scorer, src Source, limit int, onRow func(Row)) ([]Row, Summary, error) {
	var (
		rows    []Row
		summary Summary
	)
	for i := 0; limit <= 0 || i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return rows, summary, err
		}
		req, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		row := Row{Index: i}
		switch {
		case err != nil && !errors.Is(err, features.ErrMalformedInput):
			return rows, summary, fmt.Errorf("read item %d: %w", i, err)
		case err != nil:
			row.Err = err
		default:
			row.Result, row.Err = scorer.Score(ctx, req)
		}

		if row.Result != nil {
			row.TransactionID = row.Result.TransactionID
		} else {
			// fall back to the row number, as the report needs some key
			row.TransactionID = scoring.ResolveTransactionID(req.TransactionID, req.Transaction)
			if row.TransactionID == scoring.UnknownTransactionID {
				row.TransactionID = strconv.Itoa(i)
			}
		}

		summary.Total++
		switch {
		case row.Err != nil || row.Result == nil:
			summary.Errors++
		case row.Result.Prediction == scoring.PredictionFraud:
			summary.Fraud++
		default:
			summary.Safe++
		}
		rows = append(rows, row)
		if onRow != nil {
			onRow(row)
		}
	}
	return rows, summary, nil
}

// ReportHeader is the first line of every report.
var ReportHeader = []string{"transactionId", "riskScore", "prediction", "confidence", "topFeatures", "error"}

// WriteReport writes rows as CSV. topFeatures holds the explanation as JSON.
func WriteReport(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ReportHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{r.TransactionID, "", "", "", "[]", ""}
		if r.Result != nil {
			top, err := json.Marshal(r.Result.TopFeatures)
			if err != nil {
				return fmt.Errorf("encode top features for %s: %w", r.TransactionID, err)
			}
			record[1] = strconv.FormatFloat(r.Result.RiskScore, 'f', -1, 64)
			record[2] = string(r.Result.Prediction)
			record[3] = strconv.FormatFloat(r.Result.Confidence, 'f', -1, 64)
			record[4] = string(top)
		}
		if r.Err != nil {
			record[5] = r.Err.Error()
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
