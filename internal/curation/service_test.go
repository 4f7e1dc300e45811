package curation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/api/internal/annotation"
	"concord/api/internal/schema"
)

type fakeCatalog struct {
	project    annotation.Project
	annotators []string
}

func (c *fakeCatalog) GetProject(_ context.Context, id string) (annotation.Project, error) {
	if id != c.project.ID {
		return annotation.Project{}, errors.New("no such project")
	}
	return c.project, nil
}

func (c *fakeCatalog) GetDocument(_ context.Context, _, documentID string) (annotation.SourceDocument, error) {
	if documentID != testDoc.ID {
		return annotation.SourceDocument{}, errors.New("no such document")
	}
	return testDoc, nil
}

func (c *fakeCatalog) FinishedAnnotators(context.Context, string) ([]string, error) {
	return c.annotators, nil
}

// memoryViews backs both the loader and the persister.
type memoryViews struct {
	mu       sync.Mutex
	views    map[annotation.Participant]*annotation.View
	persists int
	failLoad bool
}

func (m *memoryViews) Load(_ context.Context, doc annotation.SourceDocument, owner annotation.Participant) (*annotation.View, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad {
		return nil, false, errors.New("storage offline")
	}
	if view, ok := m.views[owner]; ok {
		return view, true, nil
	}
	return annotation.NewView(doc, owner), false, nil
}

func (m *memoryViews) LoadAll(ctx context.Context, doc annotation.SourceDocument, owners []annotation.Participant) (map[annotation.Participant]*annotation.View, error) {
	out := make(map[annotation.Participant]*annotation.View)
	for _, owner := range owners {
		view, ok, err := m.Load(ctx, doc, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			out[owner] = view
		}
	}
	return out, nil
}

func (m *memoryViews) PersistCuratedView(_ context.Context, view *annotation.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.views[view.Owner]; ok {
		return annotation.ErrViewExists
	}
	m.persists++
	m.views[view.Owner] = view
	return nil
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeHistory) RecordCuratedView(context.Context, *annotation.View, string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return "abc123", nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) ObserveMerge(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func newTestService(t *testing.T, mode annotation.ProjectMode) (*Service, *memoryViews, *fakeHistory) {
	t.Helper()
	store := &memoryViews{views: map[annotation.Participant]*annotation.View{
		annotation.Annotator("alice"): annotated(t, "alice", fixture{berlin: "LOC"}),
		annotation.Annotator("bob"):   annotated(t, "bob", fixture{berlin: "PER"}),
	}}
	registry := schema.New(1, "Sentence", map[string][]annotation.Layer{
		"default": {tokenLayer, entityLayer, relationLayer, sentenceLayer},
	}, []string{"Sentence"})
	catalog := &fakeCatalog{project: annotation.Project{ID: "proj-1", Mode: mode}, annotators: []string{"bob", "alice", "carol"}}

	svc := NewService(catalog, store, store, registry)
	history := &fakeHistory{}
	svc.History = history
	logger, _ := test.NewNullLogger()
	svc.Log = logger
	return svc, store, history
}

func TestOpenBuildsOnceAndReuses(t *testing.T) {
	svc, store, history := newTestService(t, annotation.ModeAnnotation)
	recorder := &countingRecorder{outcomes: map[string]int{}}
	svc.Metrics = recorder
	req := OpenRequest{Actor: "curator", ProjectID: "proj-1", DocumentID: testDoc.ID}

	first, err := svc.Open(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, first.Merge)
	assert.Equal(t, "alice", first.Merge.Base)
	assert.Equal(t, []string{"alice", "bob"}, first.Users)
	assert.Equal(t, StateDisagree, first.Segments[1].State)

	curated := store.views[annotation.Synthetic(annotation.RoleCuration)]
	require.NotNil(t, curated)
	assert.Len(t, curated.All("NamedEntity"), 1)

	second, err := svc.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, second.Merge, "persisted view is reused")
	assert.Equal(t, first.Segments, second.Segments)

	assert.Equal(t, 1, store.persists)
	assert.Equal(t, 1, history.calls)
	assert.Equal(t, map[string]int{"built": 1, "reused": 1}, recorder.outcomes)
}

func TestConcurrentOpensPersistOnce(t *testing.T) {
	svc, store, _ := newTestService(t, annotation.ModeAnnotation)
	req := OpenRequest{ProjectID: "proj-1", DocumentID: testDoc.ID}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Open(context.Background(), req)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.persists)
}

func TestOpenCorrectionMode(t *testing.T) {
	svc, store, _ := newTestService(t, annotation.ModeCorrection)
	correction := annotated(t, "x", fixture{berlin: "ORG"})
	correction.Owner = annotation.Synthetic(annotation.RoleCorrection)
	store.views[correction.Owner] = correction

	container, err := svc.Open(context.Background(), OpenRequest{ProjectID: "proj-1", DocumentID: testDoc.ID})
	require.NoError(t, err)
	require.NotNil(t, container.Merge)
	assert.Equal(t, "[CORRECTION]", container.Merge.Base)

	curated := store.views[annotation.Synthetic(annotation.RoleCuration)]
	require.NotNil(t, curated)
	assert.Len(t, curated.All("NamedEntity"), 2, "no diff in correction mode")
}

func TestOpenWrapsBuildFailures(t *testing.T) {
	svc, store, _ := newTestService(t, annotation.ModeAnnotation)
	store.views = map[annotation.Participant]*annotation.View{}

	_, err := svc.Open(context.Background(), OpenRequest{ProjectID: "proj-1", DocumentID: testDoc.ID})
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, testDoc.ID, buildErr.DocumentID)
	assert.ErrorIs(t, err, ErrNoAnnotations)

	store.failLoad = true
	_, err = svc.Open(context.Background(), OpenRequest{ProjectID: "proj-1", DocumentID: testDoc.ID})
	require.ErrorAs(t, err, &buildErr)
}

func TestOpenUnknownDocument(t *testing.T) {
	svc, _, _ := newTestService(t, annotation.ModeAnnotation)
	_, err := svc.Open(context.Background(), OpenRequest{ProjectID: "proj-1", DocumentID: "nope"})
	require.Error(t, err)
	var buildErr *BuildError
	assert.False(t, errors.As(err, &buildErr))
}
