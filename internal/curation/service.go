package curation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"concord/api/internal/annotation"
)

type Catalog interface {
	GetProject(ctx context.Context, projectID string) (annotation.Project, error)
	GetDocument(ctx context.Context, projectID, documentID string) (annotation.SourceDocument, error)
	// FinishedAnnotators lists users with a finished annotation document.
	FinishedAnnotators(ctx context.Context, documentID string) ([]string, error)
}

type ViewLoader interface {
	Load(ctx context.Context, doc annotation.SourceDocument, owner annotation.Participant) (*annotation.View, bool, error)
	LoadAll(ctx context.Context, doc annotation.SourceDocument, owners []annotation.Participant) (map[annotation.Participant]*annotation.View, error)
}

type Persister interface {
	// PersistCuratedView stores the first curated view of a document and returns
	// annotation.ErrViewExists when one is already stored.
	PersistCuratedView(ctx context.Context, view *annotation.View) error
}

type LayerSource interface {
	EntryTypes(projectID string) []annotation.Layer
	Layers(projectID string) []annotation.Layer
	SegmentLayer() string
}

type History interface {
	RecordCuratedView(ctx context.Context, view *annotation.View, actor string) (string, error)
}

type SegmentIndexer interface {
	IndexSegments(ctx context.Context, container Container)
}

// Recorder receives merge outcomes: "built", "reused" or "failed".
type Recorder interface {
	ObserveMerge(outcome string)
}

type Service struct {
	catalog Catalog
	loader  ViewLoader
	persist Persister
	layers  LayerSource

	History History
	Index   SegmentIndexer
	Metrics Recorder
	Log     logrus.FieldLogger

	builds singleflight.Group
}

func NewService(catalog Catalog, loader ViewLoader, persist Persister, layers LayerSource) *Service {
	return &Service{catalog: catalog, loader: loader, persist: persist, layers: layers}
}

type OpenRequest struct {
	Actor      string
	ProjectID  string
	DocumentID string
	Begin      int
	End        int
}

// Open returns the curation container for a window of a document, building and persisting
// the merged view on the first open.
func (s *Service) Open(ctx context.Context, req OpenRequest) (Container, error) {
	project, err := s.catalog.GetProject(ctx, req.ProjectID)
	if err != nil {
		return Container{}, err
	}
	doc, err := s.catalog.GetDocument(ctx, req.ProjectID, req.DocumentID)
	if err != nil {
		return Container{}, err
	}
	views, err := s.annotatorViews(ctx, doc)
	if err != nil {
		return Container{}, err
	}

	merged, stats, err := s.curatedView(ctx, project, doc, views, req.Actor)
	if err != nil {
		return Container{}, err
	}

	container, err := Assemble(AssembleRequest{
		Merge:        merged,
		Views:        views,
		Layers:       s.layers.EntryTypes(project.ID),
		SegmentLayer: s.layers.SegmentLayer(),
		Begin:        req.Begin,
		End:          req.End,
	})
	if err != nil {
		return Container{}, &BuildError{DocumentID: doc.ID, Err: err}
	}
	container.Merge = stats
	if s.Index != nil {
		go s.Index.IndexSegments(context.WithoutCancel(ctx), container)
	}
	return container, nil
}

func (s *Service) annotatorViews(ctx context.Context, doc annotation.SourceDocument) (map[annotation.Participant]*annotation.View, error) {
	names, err := s.catalog.FinishedAnnotators(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list annotators of %s: %w", doc.ID, err)
	}
	views, err := s.loader.LoadAll(ctx, doc, annotation.Annotators(names...))
	if err != nil {
		return nil, &BuildError{DocumentID: doc.ID, Err: err}
	}
	return views, nil
}

type built struct {
	view  *annotation.View
	stats *MergeStats
}

// curatedView loads the stored curated view or builds it. Concurrent first opens of the same
// document share one build.
func (s *Service) curatedView(ctx context.Context, project annotation.Project, doc annotation.SourceDocument, views map[annotation.Participant]*annotation.View, actor string) (*annotation.View, *MergeStats, error) {
	curation := annotation.Synthetic(annotation.RoleCuration)
	stored, ok, err := s.loader.Load(ctx, doc, curation)
	if err != nil {
		return nil, nil, &BuildError{DocumentID: doc.ID, Err: err}
	}
	if ok {
		s.observe("reused")
		return stored, nil, nil
	}

	v, err, _ := s.builds.Do(doc.ID, func() (any, error) {
		merged, stats, err := s.buildMerge(ctx, project, doc, views)
		if err != nil {
			return nil, err
		}
		if err := s.persist.PersistCuratedView(ctx, merged); err != nil {
			if !errors.Is(err, annotation.ErrViewExists) {
				return nil, fmt.Errorf("persist curated view: %w", err)
			}
			existing, _, err := s.loader.Load(ctx, doc, curation)
			if err != nil {
				return nil, err
			}
			return built{view: existing}, nil
		}
		s.record(ctx, merged, actor)
		return built{view: merged, stats: stats}, nil
	})
	if err != nil {
		s.observe("failed")
		return nil, nil, &BuildError{DocumentID: doc.ID, Err: err}
	}
	result := v.(built)
	if result.stats != nil {
		s.observe("built")
	} else {
		s.observe("reused")
	}
	return result.view, result.stats, nil
}

func (s *Service) buildMerge(ctx context.Context, project annotation.Project, doc annotation.SourceDocument, views map[annotation.Participant]*annotation.View) (*annotation.View, *MergeStats, error) {
	if project.Mode == annotation.ModeCorrection {
		correction, _, err := s.loader.Load(ctx, doc, annotation.Synthetic(annotation.RoleCorrection))
		if err != nil {
			return nil, nil, err
		}
		merged, err := CorrectionMerge(correction)
		if err != nil {
			return nil, nil, err
		}
		return merged, &MergeStats{Base: correction.Owner.String()}, nil
	}

	protected := make(map[string]bool)
	for _, layer := range s.layers.Layers(project.ID) {
		if layer.LoadBearing {
			protected[layer.Name] = true
		}
	}
	merged, stats, err := BuildMerge(MergeRequest{Layers: s.layers.EntryTypes(project.ID), Views: views, Protected: protected})
	if err != nil {
		return nil, nil, err
	}
	s.log().WithFields(logrus.Fields{
		"document":  doc.ID,
		"base":      stats.Base,
		"disagreed": stats.Disagreed,
		"removed":   stats.Removed + stats.Cascaded,
	}).Info("built curation view")
	return merged, &stats, nil
}

func (s *Service) record(ctx context.Context, view *annotation.View, actor string) {
	if s.History == nil {
		return
	}
	if _, err := s.History.RecordCuratedView(ctx, view, actor); err != nil {
		s.log().WithField("document", view.DocumentID).WithError(err).Warn("curation history snapshot failed")
	}
}

func (s *Service) observe(outcome string) {
	if s.Metrics != nil {
		s.Metrics.ObserveMerge(outcome)
	}
}

func (s *Service) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
