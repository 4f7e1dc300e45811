package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/api/internal/annotation"
)

type loadKey struct {
	doc   string
	owner annotation.Participant
}

type fakeLoader struct {
	stored map[loadKey]*annotation.View
	fail   map[string]bool
	loads  map[loadKey]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{stored: map[loadKey]*annotation.View{}, fail: map[string]bool{}, loads: map[loadKey]int{}}
}

func (l *fakeLoader) put(doc, owner string, spans map[annotation.Span]string) {
	view := entityView(owner, spans)
	l.stored[loadKey{doc: doc, owner: annotation.Annotator(owner)}] = view
}

func (l *fakeLoader) Load(_ context.Context, doc annotation.SourceDocument, owner annotation.Participant) (*annotation.View, bool, error) {
	key := loadKey{doc: doc.ID, owner: owner}
	l.loads[key]++
	if l.fail[doc.ID] {
		return nil, false, errors.New("broken view")
	}
	if view, ok := l.stored[key]; ok {
		return view, true, nil
	}
	view := annotation.NewView(doc, owner)
	view.Initial = true
	return view, false, nil
}

type countingMeasure struct {
	Measure
	calls int
}

func (m *countingMeasure) Compute(layers []annotation.Layer, group Group) (Result, error) {
	m.calls++
	return m.Measure.Compute(layers, group)
}

type fakeMonitor struct {
	cancelAfter int
	messages    []string
}

func (m *fakeMonitor) IsCancelled() bool {
	return m.cancelAfter > 0 && len(m.messages) >= m.cancelAfter
}

func (m *fakeMonitor) SetProgress(_, _ int, message string) {
	m.messages = append(m.messages, message)
}

func documents(names ...string) []annotation.SourceDocument {
	docs := make([]annotation.SourceDocument, 0, len(names))
	for _, name := range names {
		docs = append(docs, annotation.SourceDocument{ID: name, ProjectID: "p", Name: name, Text: "Paris is nice. Berlin too."})
	}
	return docs
}

func measure(t *testing.T, name string) *countingMeasure {
	t.Helper()
	m, err := Lookup(name)
	require.NoError(t, err)
	return &countingMeasure{Measure: m}
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestPairwiseIsSymmetricAndLoadsEachViewOnce(t *testing.T) {
	loader := newFakeLoader()
	loc := map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"}
	loader.put("d1", "alice", loc)
	loader.put("d1", "bob", loc)
	loader.put("d1", "carol", map[annotation.Span]string{{Begin: 0, End: 5}: "PER"})
	m := measure(t, MeasurePercent)

	runner := &Runner{Loader: loader, Monitor: &fakeMonitor{}, Log: quietLogger()}
	res, err := runner.Pairwise(context.Background(), Params{
		Documents:  documents("d1"),
		Annotators: []string{"carol", "alice", "bob"},
		Layers:     entityLayers,
		Measure:    m,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, m.calls, "upper triangle only")
	for key, count := range loader.loads {
		assert.Equal(t, 1, count, "%v loaded more than once", key)
	}

	ab, ok := res.Get("alice", "bob")
	require.True(t, ok)
	ba, ok := res.Get("bob", "alice")
	require.True(t, ok)
	assert.Equal(t, ab, ba)
	assert.InDelta(t, 1, ab.Score, 1e-9)

	ac, _ := res.Get("carol", "alice")
	assert.InDelta(t, 0, ac.Score, 1e-9)
	assert.Len(t, res.Pairs(), 3)
	assert.Equal(t, []string{"d1"}, res.Processed)
}

func TestPairwiseBothEmptyIsComputedOncePerDocument(t *testing.T) {
	loader := newFakeLoader()
	loader.put("d1", "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	m := measure(t, MeasurePercent)

	runner := &Runner{Loader: loader, Log: quietLogger()}
	res, err := runner.Pairwise(context.Background(), Params{
		Documents:  documents("d1"),
		Annotators: []string{"alice", "x", "y", "z"},
		Layers:     entityLayers,
		Measure:    m,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, m.calls, "three pairs with alice plus one both-empty")

	xy, ok := res.Get("x", "y")
	require.True(t, ok)
	yz, ok := res.Get("z", "y")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, xy.Raters)
	assert.Equal(t, []string{"y", "z"}, yz.Raters)
	assert.Equal(t, xy.Defined, yz.Defined)
	assert.Equal(t, xy.Score, yz.Score)
	assert.Equal(t, "y/z", yz.Group)
}

func TestPairwiseCancelAfterSecondDocument(t *testing.T) {
	loader := newFakeLoader()
	for _, doc := range []string{"a", "b", "c", "d", "e"} {
		loader.put(doc, "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
		loader.put(doc, "bob", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	}
	monitor := &fakeMonitor{cancelAfter: 2}

	runner := &Runner{Loader: loader, Monitor: monitor, Log: quietLogger()}
	res, err := runner.Pairwise(context.Background(), Params{
		Documents:  documents("e", "d", "c", "b", "a"),
		Annotators: []string{"alice", "bob"},
		Layers:     entityLayers,
		Measure:    measure(t, MeasurePercent),
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []string{"a", "b"}, res.Processed)
	assert.Equal(t, []string{"a", "b"}, monitor.messages)

	ab, ok := res.Get("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, 2, ab.Items())
}

func TestContextCancellationStopsBeforeFirstDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &Runner{Loader: newFakeLoader(), Log: quietLogger()}
	res, err := runner.PerDocument(ctx, Params{Documents: documents("a"), Annotators: []string{"x", "y"}, Measure: measure(t, MeasurePercent)})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Processed)
}

func TestPerDocumentSkipsFailures(t *testing.T) {
	loader := newFakeLoader()
	for _, doc := range []string{"a", "b", "c"} {
		loader.put(doc, "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
		loader.put(doc, "bob", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC", {Begin: 15, End: 21}: "LOC"})
	}
	loader.fail["b"] = true
	logger, hook := test.NewNullLogger()

	runner := &Runner{Loader: loader, Log: logger}
	res, err := runner.PerDocument(context.Background(), Params{
		Documents:  documents("c", "b", "a"),
		Annotators: []string{"alice", "bob"},
		Layers:     entityLayers,
		Measure:    measure(t, MeasurePercent),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Processed)
	assert.Equal(t, []string{"b"}, res.Skipped)
	assert.Equal(t, []string{"a", "c"}, res.Documents())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "b", hook.LastEntry().Data["document"])

	doc, ok := res.Get("a")
	require.True(t, ok)
	assert.InDelta(t, 0.5, doc.Score, 1e-9)

	overall, ok := res.Overall()
	require.True(t, ok)
	assert.Equal(t, 4, overall.Items())
	assert.InDelta(t, 0.5, overall.Score, 1e-9)

	report := res.Report("task-1", "p", time.Now())
	assert.Equal(t, TaskPerDocument, report.Mode)
	require.NotNil(t, report.Overall)
	assert.Len(t, report.Documents, 2)
}

func TestPairwiseSkipsFailures(t *testing.T) {
	loader := newFakeLoader()
	for _, doc := range []string{"a", "b", "c"} {
		loader.put(doc, "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
		loader.put(doc, "bob", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC", {Begin: 15, End: 21}: "LOC"})
	}
	loader.fail["b"] = true
	logger, hook := test.NewNullLogger()

	runner := &Runner{Loader: loader, Log: logger}
	res, err := runner.Pairwise(context.Background(), Params{
		Documents:  documents("c", "b", "a"),
		Annotators: []string{"alice", "bob"},
		Layers:     entityLayers,
		Measure:    measure(t, MeasurePercent),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Processed)
	assert.Equal(t, []string{"b"}, res.Skipped)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "b", hook.LastEntry().Data["document"])

	ab, ok := res.Get("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, 4, ab.Items(), "two positions from each of a and c")
	assert.InDelta(t, 0.5, ab.Score, 1e-9)
}

func TestPerDocumentRejectsTwoRaterMeasureForMoreRaters(t *testing.T) {
	loader := newFakeLoader()
	runner := &Runner{Loader: loader, Log: quietLogger()}
	params := Params{
		Documents:  documents("d1", "d2"),
		Annotators: []string{"alice", "bob", "carol"},
		Layers:     entityLayers,
		Measure:    measure(t, MeasureCohen),
	}

	_, err := runner.PerDocument(context.Background(), params)
	require.ErrorIs(t, err, ErrMeasureMode)
	assert.Empty(t, loader.loads)
	assert.NoError(t, params.Validate(TaskPairwise))

	params.Annotators = []string{"alice", "bob"}
	assert.NoError(t, params.Validate(TaskPerDocument))
	params.IncludeCuration = true
	assert.ErrorIs(t, params.Validate(TaskPerDocument), ErrMeasureMode)
}

func TestPerDocumentListsUnratedDocuments(t *testing.T) {
	loader := newFakeLoader()
	loader.put("a", "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	loader.put("a", "bob", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	loader.put("b", "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	logger, hook := test.NewNullLogger()

	runner := &Runner{Loader: loader, Log: logger}
	res, err := runner.PerDocument(context.Background(), Params{
		Documents:  documents("a", "b"),
		Annotators: []string{"alice", "bob"},
		Layers:     entityLayers,
		Measure:    measure(t, MeasureFleiss),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Processed)
	assert.Equal(t, []string{"b"}, res.Unrated)
	assert.Empty(t, res.Skipped)
	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level)
	}

	report := res.Report("task-1", "p", time.Now())
	assert.Equal(t, []string{"b"}, report.Unrated)
	assert.Equal(t, []string{}, report.Skipped)
}

func TestPerDocumentIncludesCuration(t *testing.T) {
	loader := newFakeLoader()
	loader.put("a", "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	curated := entityView("x", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	curated.Owner = annotation.Synthetic(annotation.RoleCuration)
	loader.stored[loadKey{doc: "a", owner: curated.Owner}] = curated

	runner := &Runner{Loader: loader, Log: quietLogger()}
	res, err := runner.PerDocument(context.Background(), Params{
		Documents:       documents("a"),
		Annotators:      []string{"alice", "bob"},
		Layers:          entityLayers,
		Measure:         measure(t, MeasureFleiss),
		IncludeCuration: true,
	})
	require.NoError(t, err)
	doc, ok := res.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "[CURATION]"}, doc.Raters)
}

func TestMeasureRequired(t *testing.T) {
	runner := &Runner{Loader: newFakeLoader()}
	_, err := runner.Pairwise(context.Background(), Params{})
	assert.Error(t, err)
	_, err = runner.PerDocument(context.Background(), Params{})
	assert.Error(t, err)
}
