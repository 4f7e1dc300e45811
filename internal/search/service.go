package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"concord/api/internal/curation"
)

const defaultLimit = 20

// Service indexes curation containers and answers segment queries. A nil backend disables search.
type Service struct {
	backend Backend
}

func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

func (s *Service) Enabled() bool {
	return s.backend != nil && s.backend.Healthy()
}

// IndexSegments pushes every segment of an assembled window. Failures are logged only.
func (s *Service) IndexSegments(ctx context.Context, container curation.Container) {
	if !s.Enabled() {
		return
	}
	records := Records(container)
	if err := s.backend.IndexSegments(ctx, records); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"document": container.DocumentID,
			"segments": len(records),
		}).Warn("index segments")
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if !s.Enabled() || q.ProjectID == "" {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.backend.Search(ctx, q)
	if err != nil {
		logrus.WithError(err).WithField("project", q.ProjectID).Warn("segment search")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Records converts a container to index records keyed by document and sentence begin.
func Records(container curation.Container) []SegmentRecord {
	records := make([]SegmentRecord, 0, len(container.Segments))
	for _, seg := range container.Segments {
		records = append(records, SegmentRecord{
			ID:           recordID(container.DocumentID, seg.Begin),
			ProjectID:    container.ProjectID,
			DocumentID:   container.DocumentID,
			DocumentName: container.DocumentName,
			Begin:        seg.Begin,
			End:          seg.End,
			Ordinal:      seg.Ordinal,
			State:        string(seg.State),
			Options:      seg.Options,
			Text:         seg.Text,
		})
	}
	return records
}

// recordID keeps only characters Meilisearch accepts in a primary key.
func recordID(documentID string, begin int) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, documentID)
	return fmt.Sprintf("%s_%d", clean, begin)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
