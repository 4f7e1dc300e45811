package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/api/internal/annotation"
)

const sample = `
version: 3
projects:
  default:
    - name: Token
      kind: span
      loadBearing: true
    - name: Sentence
      kind: span
    - name: NamedEntity
      kind: span
      feature: value
      defaults:
        identifier: ""
  proj-2:
    - name: Dependency
      kind: relation
      feature: label
`

func TestParseAndEntryTypes(t *testing.T) {
	reg, err := Parse([]byte(sample), DefaultDenylist)
	require.NoError(t, err)

	assert.Equal(t, 3, reg.CurrentVersion())
	assert.Equal(t, "Sentence", reg.SegmentLayer())

	names := func(layers []annotation.Layer) []string {
		out := make([]string, 0, len(layers))
		for _, l := range layers {
			out = append(out, l.Name)
		}
		return out
	}
	assert.Equal(t, []string{"NamedEntity", "Sentence", "Token"}, names(reg.Layers("unknown-project")))
	assert.Equal(t, []string{"NamedEntity", "Token"}, names(reg.EntryTypes("proj-1")))
	assert.Equal(t, []string{"Dependency"}, names(reg.EntryTypes("proj-2")))

	token, err := reg.Layer("proj-1", "Token")
	require.NoError(t, err)
	assert.True(t, token.LoadBearing)

	_, err = reg.Layer("proj-2", "Token")
	assert.ErrorIs(t, err, ErrUnknownLayer)
}

func TestParseRejectsBadLayers(t *testing.T) {
	_, err := Parse([]byte("projects:\n  default:\n    - name: X\n      kind: blob\n"), nil)
	assert.Error(t, err)

	_, err = Parse([]byte("projects:\n  default:\n    - name: X\n      kind: span\n    - name: X\n      kind: span\n"), nil)
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	reg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Len(t, reg.EntryTypes("x"), 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestUpgradeFillsDefaults(t *testing.T) {
	reg, err := Parse([]byte(sample), DefaultDenylist)
	require.NoError(t, err)

	doc := annotation.SourceDocument{ID: "d1", ProjectID: "proj-1", Text: "Paris is nice."}
	view := annotation.NewView(doc, annotation.Annotator("alice"))
	view.SchemaVersion = 1
	h, err := view.Add(annotation.Instance{Layer: "NamedEntity", Begin: 0, End: 5, Features: map[string]string{"value": "LOC"}})
	require.NoError(t, err)

	require.NoError(t, reg.Upgrade(context.Background(), view))
	assert.Equal(t, 3, view.SchemaVersion)
	inst, err := view.Get(h)
	require.NoError(t, err)
	value, ok := inst.Feature("identifier")
	assert.True(t, ok)
	assert.Equal(t, "", value)

	assert.Error(t, reg.Upgrade(context.Background(), nil))
}
