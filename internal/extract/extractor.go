// Package extract turns an index quote page into a crawler.IndexRecord.
package extract

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
	"github.com/JakeFAU/market-index-scraper/internal/metrics"
)

// Default selectors for the quote pages the scraper targets.
const (
	DefaultRowSelector     = "tr.c-table__row"
	DefaultCurrentSelector = "span.c-instrument.c-instrument--last"
	DefaultMinCells        = 2
)

// Degradation field labels.
const (
	fieldCurrentValue = "current_value"
	fieldHistory      = "history"
	fieldDocument     = "document"
)

// ErrInvalidDecimal is returned by ParseDecimal for non-numeric text.
var ErrInvalidDecimal = errors.New("invalid decimal")

// Config selects the page nodes the extractor reads.
type Config struct {
	RowSelector     string
	CurrentSelector string
	MinCells        int
}

// Extractor parses quote pages. It is safe for concurrent use.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an Extractor, filling empty config fields with defaults.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.RowSelector == "" {
		cfg.RowSelector = DefaultRowSelector
	}
	if cfg.CurrentSelector == "" {
		cfg.CurrentSelector = DefaultCurrentSelector
	}
	if cfg.MinCells < 2 {
		cfg.MinCells = DefaultMinCells
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// ParseDecimal parses a number written with a comma decimal separator.
// Whitespace, including the non-breaking spaces used as thousands
// separators, is ignored. Only digits, a sign, ',' and '.' are accepted,
// so exponents, hex floats and NaN/Inf spellings are rejected.
func ParseDecimal(text string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	if cleaned == "" {
		return 0, fmt.Errorf("%w: empty text", ErrInvalidDecimal)
	}
	if strings.IndexFunc(cleaned, notDecimalRune) >= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrInvalidDecimal, text)
	}
	return value, nil
}

func notDecimalRune(r rune) bool {
	return (r < '0' || r > '9') && !strings.ContainsRune("+-,.", r)
}

// extremes tracks the running minimum and maximum with their dates.
// Comparisons are strict so the first occurrence of a value keeps its date.
type extremes struct {
	maxValue float64
	maxDate  string
	minValue float64
	minDate  string
	samples  int
}

func newExtremes() extremes {
	return extremes{maxValue: math.Inf(-1), minValue: math.Inf(1)}
}

func (e *extremes) observe(date string, value float64) {
	e.samples++
	if value > e.maxValue {
		e.maxValue, e.maxDate = value, date
	}
	// Non-positive readings are placeholders, never a real minimum.
	if value > 0 && value < e.minValue {
		e.minValue, e.minDate = value, date
	}
}

// resolve collapses the sentinels to 0.0 and "". Without a positive
// minimum both sides stay zero so MinValue <= MaxValue always holds.
func (e *extremes) resolve(rec *crawler.IndexRecord) {
	if math.IsInf(e.minValue, 0) {
		return
	}
	rec.MinValue, rec.MinDate = e.minValue, e.minDate
	rec.MaxValue, rec.MaxDate = e.maxValue, e.maxDate
}

// Extract builds the record for one page. It never fails: missing or
// malformed parts of the page degrade to zero values and are logged.
func (x *Extractor) Extract(content, name string) crawler.IndexRecord {
	record := crawler.IndexRecord{Name: name}
	logger := x.logger.With(zap.String("name", name))

	if strings.TrimSpace(content) == "" {
		x.degrade(logger, fieldDocument, "empty page content")
		return record
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		x.degrade(logger, fieldDocument, "parse html failed", zap.Error(err))
		return record
	}

	record.CurrentValue = x.currentValue(doc, logger)

	ext := newExtremes()
	doc.Find(x.cfg.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() < x.cfg.MinCells {
			return
		}
		date := cellText(cells.First())
		cells.Slice(1, goquery.ToEnd).Each(func(_ int, cell *goquery.Selection) {
			text := cellText(cell)
			if strings.Contains(text, "%") {
				return
			}
			value, err := ParseDecimal(text)
			if err != nil {
				return
			}
			ext.observe(date, value)
		})
	})

	if ext.samples == 0 {
		metrics.ObserveExtractionDegraded(fieldHistory)
		logger.Debug("no historical samples found", zap.String("row_selector", x.cfg.RowSelector))
	}
	ext.resolve(&record)
	return record
}

func (x *Extractor) currentValue(doc *goquery.Document, logger *zap.Logger) float64 {
	node := doc.Find(x.cfg.CurrentSelector).First()
	if node.Length() == 0 {
		x.degrade(logger, fieldCurrentValue, "current value node not found",
			zap.String("selector", x.cfg.CurrentSelector))
		return 0
	}
	value, err := ParseDecimal(cellText(node))
	if err != nil {
		x.degrade(logger, fieldCurrentValue, "current value unparsable", zap.Error(err))
		return 0
	}
	return value
}

func (x *Extractor) degrade(logger *zap.Logger, field, msg string, fields ...zap.Field) {
	metrics.ObserveExtractionDegraded(field)
	logger.Warn(msg, append(fields, zap.String("field", field))...)
}

func cellText(s *goquery.Selection) string {
	return strings.TrimSpace(strings.ReplaceAll(s.Text(), "\u00a0", " "))
}
