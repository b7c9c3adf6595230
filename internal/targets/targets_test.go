package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMixedArity(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `[
		["https://www.example.com/cours/1rPCAC/", "CAC 40", 1],
		["https://www.example.com/cours/1rPSBF/", "SBF 120", 0],
		["https://www.example.com/cours/1rPDAX/", "DAX"],
		["https://www.example.com/cours/1rPFTSE/", "FTSE", true],
		["https://www.example.com/cours/1rPIBEX/", "IBEX", false]
	]`)

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []crawler.FetchTarget{
		{URL: "https://www.example.com/cours/1rPCAC/", Name: "CAC 40", Enabled: true},
		{URL: "https://www.example.com/cours/1rPSBF/", Name: "SBF 120", Enabled: false},
		{URL: "https://www.example.com/cours/1rPDAX/", Name: "DAX", Enabled: true},
		{URL: "https://www.example.com/cours/1rPFTSE/", Name: "FTSE", Enabled: true},
		{URL: "https://www.example.com/cours/1rPIBEX/", Name: "IBEX", Enabled: false},
	}, got)

	enabled := Enabled(got)
	require.Len(t, enabled, 3)
	require.Equal(t, "CAC 40", enabled[0].Name)
	require.Equal(t, "DAX", enabled[1].Name)
	require.Equal(t, "FTSE", enabled[2].Name)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":        `{{`,
		"object":          `{"url": "https://x.test"}`,
		"null document":   `null`,
		"entry not array": `["https://x.test"]`,
		"one field":       `[["https://x.test"]]`,
		"four fields":     `[["https://x.test", "X", 1, 2]]`,
		"numeric url":     `[[42, "X"]]`,
		"null name":       `[["https://x.test", null]]`,
		"empty name":      `[["https://x.test", ""]]`,
		"relative url":    `[["/cours/x", "X"]]`,
		"ftp url":         `[["ftp://x.test/file", "X"]]`,
		"flag two":        `[["https://x.test", "X", 2]]`,
		"flag string":     `[["https://x.test", "X", "1"]]`,
		"flag null":       `[["https://x.test", "X", null]]`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		require.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestParseEmptyList(t *testing.T) {
	t.Parallel()

	got, err := Parse([]byte(`[]`))
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, Enabled(got))
}

func TestLoadWrapsPathInErrors(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `[["https://x.test", "X", "yes"]]`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorContains(t, err, path)
	require.ErrorContains(t, err, "entry 0")
}
