// Package targets loads the JSON list of index pages to scrape.
//
// The file is an array of entries, each either [url, name] or
// [url, name, enabled]. The enabled flag is a JSON boolean or the number
// 0 or 1; a missing flag means enabled.
package targets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

// DefaultFile is the targets file used when none is given.
const DefaultFile = "urls.json"

var (
	// ErrNotFound reports a missing targets file.
	ErrNotFound = errors.New("targets file not found")
	// ErrMalformed reports a targets file that is not valid JSON or whose
	// entries have the wrong shape.
	ErrMalformed = errors.New("malformed targets file")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates every entry of the targets file at path, in
// file order, including disabled ones.
func Load(path string) ([]crawler.FetchTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read targets file %s: %w", path, err)
	}
	targets, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return targets, nil
}

// Parse decodes a targets document.
func Parse(data []byte) ([]crawler.FetchTarget, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if entries == nil {
		return nil, fmt.Errorf("%w: expected an array of entries", ErrMalformed)
	}
	out := make([]crawler.FetchTarget, 0, len(entries))
	for i, raw := range entries {
		target, err := parseEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, i, err)
		}
		out = append(out, target)
	}
	return out, nil
}

// Enabled returns the enabled targets, preserving order.
func Enabled(all []crawler.FetchTarget) []crawler.FetchTarget {
	out := make([]crawler.FetchTarget, 0, len(all))
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

func parseEntry(raw json.RawMessage) (crawler.FetchTarget, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return crawler.FetchTarget{}, fmt.Errorf("expected an array, got %s", raw)
	}
	if len(fields) != 2 && len(fields) != 3 {
		return crawler.FetchTarget{}, fmt.Errorf("expected 2 or 3 fields, got %d", len(fields))
	}

	target := crawler.FetchTarget{Enabled: true}
	if err := decodeString(fields[0], &target.URL); err != nil {
		return crawler.FetchTarget{}, fmt.Errorf("url: %w", err)
	}
	if err := decodeString(fields[1], &target.Name); err != nil {
		return crawler.FetchTarget{}, fmt.Errorf("name: %w", err)
	}
	if len(fields) == 3 {
		enabled, err := decodeFlag(fields[2])
		if err != nil {
			return crawler.FetchTarget{}, fmt.Errorf("enabled: %w", err)
		}
		target.Enabled = enabled
	}
	if err := validate.Struct(target); err != nil {
		return crawler.FetchTarget{}, fmt.Errorf("validate: %w", err)
	}
	return target, nil
}

func decodeString(raw json.RawMessage, dst *string) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("must be a string, got null")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("must be a string: %w", err)
	}
	return nil
}

func decodeFlag(raw json.RawMessage) (bool, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("must be a boolean or 0/1, got %s", raw)
	}
}
