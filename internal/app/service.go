package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"concord/api/internal/agreement"
	"concord/api/internal/annotation"
	"concord/api/internal/archive"
	"concord/api/internal/config"
	"concord/api/internal/curation"
	"concord/api/internal/diff"
	"concord/api/internal/export"
	"concord/api/internal/gitrepo"
	"concord/api/internal/metrics"
	"concord/api/internal/rbac"
	"concord/api/internal/schema"
	"concord/api/internal/search"
	"concord/api/internal/store"
	"concord/api/internal/taskstate"
)

// Actor is the caller as reported by the fronting gateway.
type Actor struct {
	Name string
	Role string
}

type dataStore interface {
	GetProject(ctx context.Context, projectID string) (annotation.Project, error)
	ListProjects(ctx context.Context) ([]annotation.Project, error)
	GetDocument(ctx context.Context, projectID, documentID string) (annotation.SourceDocument, error)
	ListDocuments(ctx context.Context, projectID string) ([]annotation.SourceDocument, error)
	FinishedAnnotators(ctx context.Context, documentID string) ([]string, error)
	ProjectAnnotators(ctx context.Context, projectID string) ([]string, error)
	InsertReport(ctx context.Context, record store.ReportRecord) error
	SetReportObjectKey(ctx context.Context, reportID, objectKey string) error
	ListReports(ctx context.Context, projectID string, limit int) ([]store.ReportRecord, error)
	GetReport(ctx context.Context, reportID string) (store.ReportRecord, error)
	Ping(ctx context.Context) error
}

type curator interface {
	Open(ctx context.Context, req curation.OpenRequest) (curation.Container, error)
}

type historyService interface {
	History(documentID string, limit int) ([]gitrepo.Commit, error)
	ViewAt(documentID, hash string) (*annotation.View, error)
}

type segmentSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type reportExporter interface {
	Export(ctx context.Context, report agreement.Report, format export.Format) (*export.Result, error)
}

// Dependencies are the collaborators wired by the serve command.
type Dependencies struct {
	Store    dataStore
	Loader   curation.ViewLoader
	Layers   *schema.Registry
	Curation curator
	History  historyService
	Search   segmentSearch
	Tasks    *taskstate.RedisStore
	Exporter reportExporter
	Archive  *archive.Archive
	Metrics  *metrics.Metrics
}

type Service struct {
	cfg      config.Config
	store    dataStore
	loader   curation.ViewLoader
	layers   *schema.Registry
	curation curator
	history  historyService
	search   segmentSearch
	tasks    *taskstate.RedisStore
	exporter reportExporter
	archive  *archive.Archive
	metrics  *metrics.Metrics

	workers *semaphore.Weighted
	running sync.WaitGroup
	ctx     context.Context
	stop    context.CancelFunc
	now     func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	workers := cfg.AgreementWorkers
	if workers <= 0 {
		workers = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		loader:   deps.Loader,
		layers:   deps.Layers,
		curation: deps.Curation,
		history:  deps.History,
		search:   deps.Search,
		tasks:    deps.Tasks,
		exporter: deps.Exporter,
		archive:  deps.Archive,
		metrics:  deps.Metrics,
		workers:  semaphore.NewWeighted(int64(workers)),
		ctx:      ctx,
		stop:     stop,
		now:      time.Now,
	}
}

// Close cancels running agreement tasks and waits for them to record their partial results.
func (s *Service) Close() {
	s.stop()
	s.running.Wait()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) authorize(actor Actor, action rbac.Action) error {
	if !s.Can(actor.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Ping checks the health of service dependencies (database, redis)
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.tasks != nil {
		checks["redis"] = s.tasks.Ping(ctx)
	}
	return checks
}

func (s *Service) ListProjects(ctx context.Context) ([]annotation.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) ListDocuments(ctx context.Context, projectID string) ([]annotation.SourceDocument, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, projectID)
}

type DiffSelection struct {
	Value     string         `json:"value"`
	Absent    bool           `json:"absent,omitempty"`
	Qualifier string         `json:"qualifier,omitempty"`
	Addresses map[string]int `json:"addresses"`
}

type DiffOption struct {
	Position   string          `json:"position"`
	Layer      string          `json:"layer"`
	Begin      int             `json:"begin"`
	End        int             `json:"end"`
	Agree      bool            `json:"agree"`
	Selections []DiffSelection `json:"selections"`
}

type DiffResponse struct {
	DocumentID string       `json:"documentId"`
	Users      []string     `json:"users"`
	Begin      int          `json:"begin"`
	End        int          `json:"end"`
	Stats      diff.Stats   `json:"stats"`
	Options    []DiffOption `json:"options"`
}

// Diff compares the finished annotators of a document over a window. end <= 0 means the whole text.
func (s *Service) Diff(ctx context.Context, actor Actor, projectID, documentID string, begin, end int) (DiffResponse, error) {
	if err := s.authorize(actor, rbac.ActionViewDiff); err != nil {
		return DiffResponse{}, err
	}
	doc, err := s.store.GetDocument(ctx, projectID, documentID)
	if err != nil {
		return DiffResponse{}, err
	}
	names, err := s.store.FinishedAnnotators(ctx, documentID)
	if err != nil {
		return DiffResponse{}, err
	}
	views, err := s.loader.LoadAll(ctx, doc, annotation.Annotators(names...))
	if err != nil {
		return DiffResponse{}, err
	}

	length := len([]rune(doc.Text))
	if end <= 0 || end > length {
		end = length
	}
	if begin < 0 || begin > end {
		return DiffResponse{}, validation("begin must be within the document")
	}

	options, err := diff.Do(diff.Request{
		Layers: s.layers.EntryTypes(projectID),
		Views:  views,
		Begin:  begin,
		End:    end,
	})
	if err != nil {
		return DiffResponse{}, err
	}

	resp := DiffResponse{
		DocumentID: documentID,
		Users:      make([]string, 0, len(views)),
		Begin:      begin,
		End:        end,
		Stats:      diff.Summarize(options, len(views)),
		Options:    make([]DiffOption, 0, len(options)),
	}
	participants := make([]annotation.Participant, 0, len(views))
	for p := range views {
		participants = append(participants, p)
	}
	annotation.SortParticipants(participants)
	for _, p := range participants {
		resp.Users = append(resp.Users, p.String())
	}
	for _, option := range options {
		out := DiffOption{
			Position:   option.Position.String(),
			Layer:      option.Position.Layer,
			Begin:      option.Begin,
			End:        option.End,
			Agree:      option.Agrees(len(views)),
			Selections: make([]DiffSelection, 0, len(option.Selections)),
		}
		for _, sel := range option.Selections {
			addresses := make(map[string]int, len(sel.Addresses))
			for p, h := range sel.Addresses {
				addresses[p.String()] = h.Address()
			}
			out.Selections = append(out.Selections, DiffSelection{
				Value:     sel.Value,
				Absent:    sel.Absent,
				Qualifier: sel.Qualifier,
				Addresses: addresses,
			})
		}
		resp.Options = append(resp.Options, out)
	}
	return resp, nil
}

// OpenCuration builds or reuses the curated view and assembles the requested window.
func (s *Service) OpenCuration(ctx context.Context, actor Actor, projectID, documentID string, begin, end int) (curation.Container, error) {
	if err := s.authorize(actor, rbac.ActionCurate); err != nil {
		return curation.Container{}, err
	}
	container, err := s.curation.Open(ctx, curation.OpenRequest{
		Actor:      actor.Name,
		ProjectID:  projectID,
		DocumentID: documentID,
		Begin:      begin,
		End:        end,
	})
	if err != nil {
		var buildErr *curation.BuildError
		if errors.As(err, &buildErr) {
			logrus.WithFields(logrus.Fields{
				"project":  projectID,
				"document": documentID,
				"actor":    actor.Name,
			}).WithError(err).Error("curation build failed")
		}
		return curation.Container{}, err
	}
	return container, nil
}

func (s *Service) CurationHistory(ctx context.Context, actor Actor, projectID, documentID string, limit int) ([]gitrepo.Commit, error) {
	if err := s.authorize(actor, rbac.ActionCurate); err != nil {
		return nil, err
	}
	if _, err := s.store.GetDocument(ctx, projectID, documentID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []gitrepo.Commit{}, nil
	}
	commits, err := s.history.History(documentID, limit)
	if err != nil {
		// No curated view has been recorded yet.
		logrus.WithField("document", documentID).WithError(err).Debug("curation history unavailable")
		return []gitrepo.Commit{}, nil
	}
	return commits, nil
}

type SnapshotResponse struct {
	DocumentID string                `json:"documentId"`
	Hash       string                `json:"hash"`
	Instances  int                   `json:"instances"`
	Changes    []gitrepo.LayerChange `json:"changes"`
}

// CurationSnapshot compares a recorded curation snapshot with the current curated view.
func (s *Service) CurationSnapshot(ctx context.Context, actor Actor, projectID, documentID, hash string) (SnapshotResponse, error) {
	if err := s.authorize(actor, rbac.ActionCurate); err != nil {
		return SnapshotResponse{}, err
	}
	doc, err := s.store.GetDocument(ctx, projectID, documentID)
	if err != nil {
		return SnapshotResponse{}, err
	}
	if s.history == nil {
		return SnapshotResponse{}, domainError(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found", nil)
	}
	snapshot, err := s.history.ViewAt(documentID, hash)
	if err != nil {
		logrus.WithFields(logrus.Fields{"document": documentID, "hash": hash}).WithError(err).Debug("read curation snapshot")
		return SnapshotResponse{}, domainError(http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found", map[string]any{"hash": hash})
	}
	current, stored, err := s.loader.Load(ctx, doc, annotation.Synthetic(annotation.RoleCuration))
	if err != nil {
		return SnapshotResponse{}, err
	}
	if !stored {
		current = nil
	}
	return SnapshotResponse{
		DocumentID: documentID,
		Hash:       hash,
		Instances:  snapshot.Count(),
		Changes:    gitrepo.Changes(snapshot, current),
	}, nil
}

func (s *Service) SearchSegments(ctx context.Context, actor Actor, q search.Query) (search.Response, error) {
	if err := s.authorize(actor, rbac.ActionCurate); err != nil {
		return search.Response{}, err
	}
	if _, err := s.store.GetProject(ctx, q.ProjectID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}
