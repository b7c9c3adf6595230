// Package report renders index records as the semicolon separated CSV
// consumed by spreadsheet users.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

// Header is the first line of every report. Max columns precede min columns.
var Header = []string{"Indice", "Cours", "Date with max", "Max", "Date with min", "Min"}

// ContentType is used when reports are archived.
const ContentType = "text/csv; charset=utf-8"

const (
	separator   = ';'
	filePrefix  = "indices_"
	fileStamp   = "20060102_1504"
	desktopDir  = "Desktop"
	targetsExt  = ".json"
	defaultBase = "urls"
)

// FormatDecimal renders v with three fractional digits and a comma.
func FormatDecimal(v float64) string {
	return strings.Replace(strconv.FormatFloat(v, 'f', 3, 64), ".", ",", 1)
}

// Row returns the CSV fields for one record.
func Row(rec crawler.IndexRecord) []string {
	return []string{
		rec.Name,
		FormatDecimal(rec.CurrentValue),
		rec.MaxDate,
		FormatDecimal(rec.MaxValue),
		rec.MinDate,
		FormatDecimal(rec.MinValue),
	}
}

// Write emits the header and one row per record, in order.
func Write(w io.Writer, records []crawler.IndexRecord) error {
	cw := csv.NewWriter(w)
	cw.Comma = separator
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(Row(rec)); err != nil {
			return fmt.Errorf("write row %q: %w", rec.Name, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// PathOptions controls where a report lands.
type PathOptions struct {
	// Dir overrides every other choice when set.
	Dir string
	// Local writes into the working directory instead of the desktop.
	Local bool
	// TargetsFile names the targets file; its base name is the suffix.
	TargetsFile string
	Now         time.Time
	// HomeDir returns the user's home directory; os.UserHomeDir when nil.
	HomeDir func() (string, error)
	// WorkDir returns the working directory; os.Getwd when nil.
	WorkDir func() (string, error)
}

// FileName returns indices_<YYYYMMDD_HHMM>_<suffix>.csv.
func FileName(now time.Time, targetsFile string) string {
	return fmt.Sprintf("%s%s_%s.csv", filePrefix, now.Format(fileStamp), Suffix(targetsFile))
}

// Suffix derives the report suffix from the targets file path.
func Suffix(targetsFile string) string {
	base := strings.TrimSuffix(filepath.Base(targetsFile), targetsExt)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return defaultBase
	}
	return base
}

// ResolvePath picks the output directory, creating it when needed, and
// returns the full report path.
func ResolvePath(opts PathOptions) (string, error) {
	dir, err := outputDir(opts)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return filepath.Join(dir, FileName(opts.Now, opts.TargetsFile)), nil
}

func outputDir(opts PathOptions) (string, error) {
	switch {
	case opts.Dir != "":
		return opts.Dir, nil
	case opts.Local:
		getwd := opts.WorkDir
		if getwd == nil {
			getwd = os.Getwd
		}
		dir, err := getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working dir: %w", err)
		}
		return dir, nil
	default:
		home := opts.HomeDir
		if home == nil {
			home = os.UserHomeDir
		}
		dir, err := home()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if dir == "" {
			return "", errors.New("resolve home dir: empty path")
		}
		return filepath.Join(dir, desktopDir), nil
	}
}
