package curation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/api/internal/annotation"
)

func assembleFixture(t *testing.T) AssembleRequest {
	t.Helper()
	alice := annotated(t, "alice", fixture{berlin: "LOC"})
	bob := annotated(t, "bob", fixture{berlin: "PER"})
	views := map[annotation.Participant]*annotation.View{
		annotation.Annotator("alice"): alice,
		annotation.Annotator("bob"):   bob,
	}
	return AssembleRequest{
		Merge:        alice.Clone(annotation.Synthetic(annotation.RoleCuration)),
		Views:        views,
		Layers:       compared,
		SegmentLayer: sentenceLayer.Name,
	}
}

func TestAssembleClassifiesSentences(t *testing.T) {
	req := assembleFixture(t)

	container, err := Assemble(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, container.Users)
	require.Len(t, container.Segments, 2)

	first, second := container.Segments[0], container.Segments[1]
	assert.Equal(t, 0, first.Begin)
	assert.Equal(t, 15, first.End, "gap after the sentence belongs to it")
	assert.Equal(t, "Paris is nice. ", first.Text)
	assert.Equal(t, 1, first.Ordinal)
	assert.Equal(t, StateAgree, first.State)

	assert.Equal(t, 15, second.Begin)
	assert.Equal(t, 26, second.End)
	assert.Equal(t, 2, second.Ordinal)
	assert.Equal(t, StateDisagree, second.State)
	assert.Equal(t, 1, container.Stats.Disagreed)

	assert.Len(t, first.Addresses, 2)
	assert.Equal(t, 1, first.Addresses["alice"])
	assert.Equal(t, 2, second.Addresses["bob"])
}

func TestAssembleThreeOfFourIsDisagreement(t *testing.T) {
	req := assembleFixture(t)
	req.Views = map[annotation.Participant]*annotation.View{}
	for _, name := range []string{"A", "B", "C"} {
		req.Views[annotation.Annotator(name)] = annotated(t, name, fixture{berlin: "LOC"})
	}
	d := annotation.NewView(testDoc, annotation.Annotator("D"))
	for _, span := range tokenSpans {
		_, err := d.Add(annotation.Instance{Layer: "Token", Begin: span.Begin, End: span.End})
		require.NoError(t, err)
	}
	_, err := d.Add(annotation.Instance{Layer: "NamedEntity", Begin: 15, End: 21, Features: map[string]string{"value": "LOC"}})
	require.NoError(t, err)
	req.Views[annotation.Annotator("D")] = d

	container, err := Assemble(req)
	require.NoError(t, err)
	require.Len(t, container.Segments, 2)
	assert.Equal(t, StateDisagree, container.Segments[0].State, "D left Paris unmarked")
	assert.Equal(t, StateAgree, container.Segments[1].State)
	assert.NotContains(t, container.Segments[0].Addresses, "D", "D has no sentences")
}

func TestAssembleCoversWindowExactly(t *testing.T) {
	windows := [][2]int{{0, 26}, {3, 20}, {16, 20}, {14, 15}, {0, 1}, {20, 26}}
	for _, w := range windows {
		req := assembleFixture(t)
		req.Begin, req.End = w[0], w[1]

		container, err := Assemble(req)
		require.NoError(t, err)
		require.NotEmpty(t, container.Segments, "window %v", w)

		cursor := w[0]
		for _, seg := range container.Segments {
			assert.Equal(t, cursor, seg.Begin, "window %v", w)
			assert.Less(t, seg.Begin, seg.End, "window %v", w)
			cursor = seg.End
		}
		assert.Equal(t, w[1], cursor, "window %v", w)
	}
}

func TestAssembleWithoutSentences(t *testing.T) {
	req := assembleFixture(t)
	req.SegmentLayer = "Paragraph"
	req.Begin, req.End = 2, 10

	container, err := Assemble(req)
	require.NoError(t, err)
	require.Len(t, container.Segments, 1)
	assert.Equal(t, 2, container.Segments[0].Begin)
	assert.Equal(t, 10, container.Segments[0].End)
	assert.Equal(t, 0, container.Segments[0].Ordinal)
}

func TestAssembleRequiresMerge(t *testing.T) {
	_, err := Assemble(AssembleRequest{})
	assert.Error(t, err)
}
