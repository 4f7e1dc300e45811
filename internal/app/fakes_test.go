package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"concord/api/internal/annotation"
	"concord/api/internal/archive"
	"concord/api/internal/config"
	"concord/api/internal/curation"
	"concord/api/internal/export"
	"concord/api/internal/gitrepo"
	"concord/api/internal/schema"
	"concord/api/internal/store"
	"concord/api/internal/taskstate"
)

const sampleText = "Paris is nice. Berlin too."

var entityLayers = []annotation.Layer{{Name: "NamedEntity", Kind: annotation.KindSpan, Feature: "value"}}

type fakeStore struct {
	mu         sync.Mutex
	project    annotation.Project
	docs       []annotation.SourceDocument
	finished   map[string][]string
	annotators []string
	reports    []store.ReportRecord
	objectKeys map[string]string
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		project:    annotation.Project{ID: "p1", Name: "News", Mode: annotation.ModeAnnotation},
		docs:       []annotation.SourceDocument{{ID: "d1", ProjectID: "p1", Name: "news-1.txt", Text: sampleText}},
		finished:   map[string][]string{"d1": {"alice", "bob"}},
		annotators: []string{"alice", "bob"},
		objectKeys: map[string]string{},
	}
}

func (s *fakeStore) GetProject(_ context.Context, projectID string) (annotation.Project, error) {
	if projectID != s.project.ID {
		return annotation.Project{}, sql.ErrNoRows
	}
	return s.project, nil
}

func (s *fakeStore) ListProjects(context.Context) ([]annotation.Project, error) {
	return []annotation.Project{s.project}, nil
}

func (s *fakeStore) GetDocument(_ context.Context, projectID, documentID string) (annotation.SourceDocument, error) {
	for _, doc := range s.docs {
		if doc.ProjectID == projectID && doc.ID == documentID {
			return doc, nil
		}
	}
	return annotation.SourceDocument{}, sql.ErrNoRows
}

func (s *fakeStore) ListDocuments(_ context.Context, projectID string) ([]annotation.SourceDocument, error) {
	items := make([]annotation.SourceDocument, 0)
	for _, doc := range s.docs {
		if doc.ProjectID == projectID {
			items = append(items, doc)
		}
	}
	return items, nil
}

func (s *fakeStore) FinishedAnnotators(_ context.Context, documentID string) ([]string, error) {
	return s.finished[documentID], nil
}

func (s *fakeStore) ProjectAnnotators(context.Context, string) ([]string, error) {
	return s.annotators, nil
}

func (s *fakeStore) InsertReport(_ context.Context, record store.ReportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.CreatedAt = time.Now().UTC()
	s.reports = append(s.reports, record)
	return nil
}

func (s *fakeStore) SetReportObjectKey(_ context.Context, reportID, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objectKeys[reportID] = objectKey
	return nil
}

func (s *fakeStore) ListReports(_ context.Context, projectID string, _ int) ([]store.ReportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]store.ReportRecord, 0, len(s.reports))
	for _, r := range s.reports {
		if r.ProjectID == projectID {
			items = append(items, r)
		}
	}
	return items, nil
}

func (s *fakeStore) GetReport(_ context.Context, reportID string) (store.ReportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.ID == reportID {
			r.ObjectKey = s.objectKeys[r.ID]
			return r, nil
		}
	}
	return store.ReportRecord{}, sql.ErrNoRows
}

func (s *fakeStore) Ping(context.Context) error {
	return s.pingErr
}

func (s *fakeStore) reportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type viewKey struct {
	doc   string
	owner annotation.Participant
}

// fakeLoader serves prebuilt views; unknown owners get an empty initial view.
type fakeLoader struct {
	mu    sync.Mutex
	views map[viewKey]*annotation.View
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{views: map[viewKey]*annotation.View{}}
}

func (l *fakeLoader) put(t *testing.T, doc annotation.SourceDocument, owner string, spans map[annotation.Span]string) {
	t.Helper()
	view := annotation.NewView(doc, annotation.Annotator(owner))
	for span, value := range spans {
		if _, err := view.Add(annotation.Instance{Layer: "NamedEntity", Begin: span.Begin, End: span.End, Features: map[string]string{"value": value}}); err != nil {
			t.Fatalf("add instance: %v", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views[viewKey{doc: doc.ID, owner: view.Owner}] = view
}

func (l *fakeLoader) Load(_ context.Context, doc annotation.SourceDocument, owner annotation.Participant) (*annotation.View, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if view, ok := l.views[viewKey{doc: doc.ID, owner: owner}]; ok {
		return view, true, nil
	}
	view := annotation.NewView(doc, owner)
	view.Initial = true
	return view, false, nil
}

func (l *fakeLoader) LoadAll(ctx context.Context, doc annotation.SourceDocument, owners []annotation.Participant) (map[annotation.Participant]*annotation.View, error) {
	views := make(map[annotation.Participant]*annotation.View, len(owners))
	for _, owner := range owners {
		view, stored, err := l.Load(ctx, doc, owner)
		if err != nil {
			return nil, err
		}
		if stored {
			views[owner] = view
		}
	}
	return views, nil
}

type fakeCurator struct {
	container curation.Container
	err       error
	requests  []curation.OpenRequest
}

func (c *fakeCurator) Open(_ context.Context, req curation.OpenRequest) (curation.Container, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return curation.Container{}, c.err
	}
	return c.container, nil
}

type fakeHistory struct {
	commits   []gitrepo.Commit
	snapshots map[string]*annotation.View
}

func (h *fakeHistory) History(string, int) ([]gitrepo.Commit, error) {
	return h.commits, nil
}

func (h *fakeHistory) ViewAt(_, hash string) (*annotation.View, error) {
	view, ok := h.snapshots[hash]
	if !ok {
		return nil, errors.New("reference not found")
	}
	return view, nil
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memArchive) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memArchive) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key], nil
}

type testEnv struct {
	service *Service
	server  *HTTPServer
	store   *fakeStore
	loader  *fakeLoader
	curator *fakeCurator
	history *fakeHistory
	tasks   *taskstate.RedisStore
	objects *memArchive
	redis   *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logrus.SetLevel(logrus.WarnLevel)

	mr := miniredis.RunT(t)
	tasks := taskstate.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { _ = tasks.Close() })

	st := newFakeStore()
	loader := newFakeLoader()
	doc := st.docs[0]
	loader.put(t, doc, "alice", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC"})
	loader.put(t, doc, "bob", map[annotation.Span]string{{Begin: 0, End: 5}: "LOC", {Begin: 15, End: 21}: "LOC"})

	objects := &memArchive{objects: map[string][]byte{}}
	cur := &fakeCurator{}
	history := &fakeHistory{
		commits:   []gitrepo.Commit{{Hash: "abc1234", Message: "curation by carol", Author: "carol"}},
		snapshots: map[string]*annotation.View{},
	}
	service := New(config.Config{AgreementWorkers: 1}, Dependencies{
		Store:    st,
		Loader:   loader,
		Layers:   schema.New(1, "Sentence", map[string][]annotation.Layer{"p1": entityLayers}, nil),
		Curation: cur,
		History:  history,
		Tasks:    tasks,
		Exporter: export.NewService(),
		Archive:  archive.New(objects),
	})
	t.Cleanup(service.Close)

	return &testEnv{
		service: service,
		server:  NewHTTPServer(service, "*"),
		store:   st,
		loader:  loader,
		curator: cur,
		history: history,
		tasks:   tasks,
		objects: objects,
		redis:   mr,
	}
}
