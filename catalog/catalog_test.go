package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "sipkit/adapters/memory"
	"sipkit/core"
)

func TestDefaultCatalog(t *testing.T) {
	badges := Default()
	ids := make([]core.BadgeID, 0, len(badges))
	for _, b := range badges {
		ids = append(ids, b.ID)
		assert.True(t, b.IsActive, b.ID)
		assert.True(t, b.IsAutomatic, b.ID)
	}
	assert.Equal(t, []core.BadgeID{"first_drink", "regular", "session_king", "social_butterfly", "marathon"}, ids)
	assert.Equal(t, core.CategorySocial, badges[3].Category)
	assert.Len(t, badges[4].Criteria.Conditions, 2)
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "badges.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
badges:
  - id: night_owl
    code: night-owl
    category: session
    is_active: false
    criteria:
      conditions:
        - {metric: drinks_in_session, operator: ">=", value: 5}
`), 0o600))
	jsonPath := filepath.Join(dir, "badges.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"badges":[
		{"id":"centurion","code":"C100","category":"global","points":100,"is_automatic":false,
		 "criteria":{"conditions":[{"metric":"total_drinks","operator":">=","value":100}]}}]}`), 0o600))

	fromYAML, err := Load(yamlPath)
	require.NoError(t, err)
	require.Len(t, fromYAML, 1)
	assert.False(t, fromYAML[0].IsActive)
	assert.True(t, fromYAML[0].IsAutomatic)

	fromJSON, err := Load(jsonPath)
	require.NoError(t, err)
	require.Len(t, fromJSON, 1)
	assert.Equal(t, 100, fromJSON[0].Points)
	assert.False(t, fromJSON[0].IsAutomatic)
	assert.True(t, fromJSON[0].IsActive)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "badges.toml"))
	assert.ErrorContains(t, err, "unsupported catalog extension")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("badges: [\n"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parsing yaml")
}

func TestParseReportsEveryProblem(t *testing.T) {
	doc := []byte(`
badges:
  - id: a
    code: A
    category: milestone
    criteria: {conditions: [{metric: total_beers, operator: ">=", value: 1}]}
  - id: b
    code: B
    category: session
    criteria: {conditions: []}
  - id: b
    code: B2
    category: session
    criteria: {conditions: [{metric: drinks_in_session, operator: "~", value: 1}]}
  - id: ok
    code: OK
    category: weekly
    criteria: {conditions: [{metric: total_drinks, operator: ">=", value: 1}]}
`)
	_, err := Parse(doc, FormatYAML)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownMetric)
	assert.ErrorIs(t, err, core.ErrInvalidCriteria)
	assert.ErrorContains(t, err, `duplicate id "b"`)
	assert.ErrorContains(t, err, "badge 3")

	_, err = Parse([]byte(`{"badges":[]}`), FormatJSON)
	assert.ErrorContains(t, err, "no badges")

	_, err = Parse(nil, Format("toml"))
	assert.ErrorContains(t, err, "unknown catalog format")
}

type failingWriter struct{ calls int }

func (f *failingWriter) SaveBadge(context.Context, core.Badge) error {
	f.calls++
	return errors.New("disk full")
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := mem.New()
	require.NoError(t, Seed(ctx, store, Default()))

	got, err := store.FetchActiveAutomaticBadges(ctx, []core.Category{core.CategorySession})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.BadgeID("marathon"), got[0].ID)
	assert.Equal(t, core.BadgeID("session_king"), got[1].ID)

	w := &failingWriter{}
	err = Seed(ctx, w, Default())
	assert.True(t, core.IsPersistence(err))
	assert.Equal(t, 1, w.calls)
}
