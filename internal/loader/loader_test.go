package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/api/internal/annotation"
)

type fakeStore struct {
	views   map[annotation.Participant]*annotation.View
	loads   int
	initial int
	failOn  annotation.Participant
}

func (s *fakeStore) ExistsView(_ context.Context, _ string, owner annotation.Participant) (bool, error) {
	_, ok := s.views[owner]
	return ok, nil
}

func (s *fakeStore) LoadView(_ context.Context, _ string, owner annotation.Participant) (*annotation.View, error) {
	s.loads++
	if owner == s.failOn {
		return nil, errors.New("corrupt view")
	}
	return s.views[owner], nil
}

func (s *fakeStore) CreateInitialView(_ context.Context, doc annotation.SourceDocument) (*annotation.View, error) {
	s.initial++
	return annotation.NewView(annotation.SourceDocument{Text: doc.Text}, annotation.Participant{}), nil
}

type fakeUpgrader struct {
	version  int
	upgraded int
}

func (u *fakeUpgrader) CurrentVersion() int { return u.version }

func (u *fakeUpgrader) Upgrade(_ context.Context, view *annotation.View) error {
	u.upgraded++
	view.SchemaVersion = u.version
	return nil
}

var doc = annotation.SourceDocument{ID: "d1", ProjectID: "p1", Name: "a.txt", Text: "Paris is nice."}

func TestLoadStoredView(t *testing.T) {
	alice := annotation.Annotator("alice")
	stored := annotation.NewView(doc, alice)
	stored.SchemaVersion = 2
	store := &fakeStore{views: map[annotation.Participant]*annotation.View{alice: stored}}
	upgrader := &fakeUpgrader{version: 2}

	view, ok, err := New(store, upgrader).Load(context.Background(), doc, alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, stored, view)
	assert.Equal(t, 0, upgrader.upgraded)
}

func TestLoadFallsBackToStampedInitialView(t *testing.T) {
	store := &fakeStore{}
	upgrader := &fakeUpgrader{version: 1}
	bob := annotation.Annotator("bob")

	view, ok, err := New(store, upgrader).Load(context.Background(), doc, bob)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, view.Initial)
	assert.Equal(t, "d1", view.DocumentID)
	assert.Equal(t, "a.txt", view.DocumentName)
	assert.Equal(t, "p1", view.ProjectID)
	assert.Equal(t, bob, view.Owner)
	assert.Equal(t, 1, store.initial)
	assert.Equal(t, 0, store.loads)
}

func TestLoadUpgradesStaleView(t *testing.T) {
	alice := annotation.Annotator("alice")
	stale := annotation.NewView(doc, alice)
	stale.SchemaVersion = 1
	upgrader := &fakeUpgrader{version: 4}

	view, _, err := New(&fakeStore{views: map[annotation.Participant]*annotation.View{alice: stale}}, upgrader).
		Load(context.Background(), doc, alice)
	require.NoError(t, err)
	assert.Equal(t, 4, view.SchemaVersion)
	assert.Equal(t, 1, upgrader.upgraded)
}

func TestLoadAllKeepsOnlyStoredViews(t *testing.T) {
	alice := annotation.Annotator("alice")
	curation := annotation.Synthetic(annotation.RoleCuration)
	store := &fakeStore{views: map[annotation.Participant]*annotation.View{
		alice:    annotation.NewView(doc, alice),
		curation: annotation.NewView(doc, curation),
	}}

	views, err := New(store, nil).LoadAll(context.Background(), doc, []annotation.Participant{alice, annotation.Annotator("bob"), curation})
	require.NoError(t, err)
	assert.Len(t, views, 2)
	assert.Contains(t, views, curation)
	assert.NotContains(t, views, annotation.Annotator("bob"))
}

func TestLoadErrors(t *testing.T) {
	alice := annotation.Annotator("alice")
	store := &fakeStore{views: map[annotation.Participant]*annotation.View{alice: nil}, failOn: alice}

	_, _, err := New(store, nil).Load(context.Background(), doc, alice)
	assert.ErrorContains(t, err, "corrupt view")

	_, _, err = New(store, nil).Load(context.Background(), doc, annotation.Participant{})
	assert.Error(t, err)
}
