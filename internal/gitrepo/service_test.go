package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"concord/api/internal/annotation"
)

func curatedView(t *testing.T, entities int) *annotation.View {
	t.Helper()
	doc := annotation.SourceDocument{ID: "doc-1", ProjectID: "p1", Name: "a.txt", Text: "Paris is nice. Berlin too."}
	view := annotation.NewView(doc, annotation.Synthetic(annotation.RoleCuration))
	spans := [][2]int{{0, 5}, {15, 21}}
	for i := 0; i < entities; i++ {
		if _, err := view.Add(annotation.Instance{
			Layer:    "NamedEntity",
			Begin:    spans[i][0],
			End:      spans[i][1],
			Features: map[string]string{"value": "LOC"},
		}); err != nil {
			t.Fatalf("add instance: %v", err)
		}
	}
	return view
}

func TestCuratedViewHistory(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	first, err := svc.RecordCuratedView(ctx, curatedView(t, 1), "Avery")
	if err != nil {
		t.Fatalf("RecordCuratedView() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	second, err := svc.RecordCuratedView(ctx, curatedView(t, 2), "Avery")
	if err != nil {
		t.Fatalf("RecordCuratedView() error = %v", err)
	}
	if first == second {
		t.Fatal("expected a new commit")
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second {
		t.Fatalf("unexpected history %+v", history)
	}
	if !strings.Contains(history[0].Message, "instances=2") {
		t.Fatalf("unexpected message %q", history[0].Message)
	}

	old, err := svc.ViewAt("doc-1", first)
	if err != nil {
		t.Fatalf("ViewAt() error = %v", err)
	}
	if old.Count() != 1 || !old.Owner.IsSynthetic() {
		t.Fatalf("unexpected snapshot: count=%d owner=%s", old.Count(), old.Owner)
	}

	current, err := svc.ViewAt("doc-1", second)
	if err != nil {
		t.Fatalf("ViewAt() error = %v", err)
	}
	changes := Changes(old, current)
	if len(changes) != 1 || changes[0].Layer != "NamedEntity" || changes[0].Before != 1 || changes[0].After != 2 {
		t.Fatalf("unexpected changes %+v", changes)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	for i := 0; i < 3; i++ {
		if _, err := svc.RecordCuratedView(context.Background(), curatedView(t, 1), "Avery"); err != nil {
			t.Fatalf("RecordCuratedView() error = %v", err)
		}
	}
	history, err := svc.History("doc-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
}

func TestConcurrentRecordsSameDocument(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.RecordCuratedView(context.Background(), curatedView(t, 0), "Avery"); err != nil {
		t.Fatalf("RecordCuratedView() error = %v", err)
	}

	const writers = 8
	views := make([]*annotation.View, writers)
	for i := range views {
		views[i] = curatedView(t, 1)
	}
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.RecordCuratedView(context.Background(), views[i], fmt.Sprintf("user-%d", i)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent record failed: %v", err)
	}

	history, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits, got %d", writers+1, len(history))
	}
}

func TestSanitizePath(t *testing.T) {
	if got := sanitizePath("../x"); strings.Contains(got, "/") {
		t.Fatalf("path separator survived: %q", got)
	}
	if got := sanitizePath(".."); got != "_" {
		t.Fatalf("unexpected %q", got)
	}
}
