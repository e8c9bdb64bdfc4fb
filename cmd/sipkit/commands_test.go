package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit/bac"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("sipkit"),
		kong.Vars{"version": version},
		kong.Exit(func(int) { t.Fatalf("unexpected exit for %v", args) }),
	)
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	err = ctx.Run(&Context{Out: &out})
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBACInlineDrinks(t *testing.T) {
	out, err := run(t, "bac", "--weight", "60", "--gender", "female",
		"-d", "330:5@2026-06-12T21:00:00Z",
		"-d", "330:5@2026-06-12T21:01:00Z",
		"-d", "330:5@2026-06-12T21:02:00Z",
		"--at", "2026-06-12T21:10:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "BAC at 2026-06-12T21:10:00Z: 0.11")
	assert.Contains(t, out, "Sober at ")
}

func TestBACDrinksFile(t *testing.T) {
	path := writeFile(t, "drinks.yaml", `
- volume_ml: 500
  alcohol_percentage: 5
  consumed_at: 2026-06-12T21:00:00Z
`)
	out, err := run(t, "bac", "--weight", "80", "--drinks", path, "--at", "2026-06-13T09:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "0.0000")
	assert.NotContains(t, out, "Sober at")
}

func TestBACRejectsBadInput(t *testing.T) {
	_, err := run(t, "bac", "--weight", "80")
	assert.ErrorContains(t, err, "no drinks given")

	_, err = run(t, "bac", "--weight", "80", "-d", "330@2026-06-12T21:00:00Z")
	assert.ErrorContains(t, err, "VOLUME_ML:PERCENT")

	_, err = run(t, "bac", "--weight", "80", "-d", "330:5")
	assert.ErrorContains(t, err, "missing @time")

	_, err = run(t, "bac", "--weight", "80", "-d", "-5:5@2026-06-12T21:00:00Z")
	assert.Error(t, err)

	_, err = run(t, "bac", "--weight", "80", "--gender", "other", "-d", "330:5@2026-06-12T21:00:00Z")
	assert.Error(t, err)
}

func TestSeriesJSON(t *testing.T) {
	path := writeFile(t, "drinks.json", `[
		{"volume_ml": 330, "alcohol_percentage": 5, "consumed_at": "2026-06-12T21:00:00Z"}
	]`)
	out, err := run(t, "series", "--weight", "60", "--gender", "female", "--drinks", path,
		"--from", "2026-06-12T21:00:00Z", "--to", "2026-06-12T22:00:00Z", "--json")
	require.NoError(t, err)

	var sum bac.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Len(t, sum.Samples, 7)
	assert.InDelta(t, 0.0394, sum.Peak, 0.001)
}

func TestSeriesTableDefaultsToSoberTime(t *testing.T) {
	out, err := run(t, "series", "--weight", "80", "-d", "330:5@2026-06-12T21:00:00Z", "--step", "30m")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Greater(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "TIME"))
	assert.Contains(t, lines[1], "2026-06-12T21:00:00Z")
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "peak "))
}

func TestCatalogCommands(t *testing.T) {
	out, err := run(t, "catalog", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "first_drink")
	assert.Contains(t, out, "max_bac_in_session >= 0.08")

	good := writeFile(t, "badges.yaml", `
badges:
  - id: night_owl
    code: NIGHT_OWL
    category: session
    points: 5
    criteria:
      conditions:
        - metric: drinks_in_session
          operator: ">="
          value: 3
`)
	out, err = run(t, "catalog", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 badges OK")

	bad := writeFile(t, "bad.yaml", `
badges:
  - id: broken
    code: BROKEN
    category: weekly
    criteria:
      conditions: []
`)
	_, err = run(t, "catalog", "validate", bad)
	assert.Error(t, err)
}
