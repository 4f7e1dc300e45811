package agreement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"concord/api/internal/annotation"
)

// Monitor reports progress and carries the cancellation flag of a running task.
type Monitor interface {
	IsCancelled() bool
	SetProgress(done, total int, message string)
}

type ViewLoader interface {
	Load(ctx context.Context, doc annotation.SourceDocument, owner annotation.Participant) (*annotation.View, bool, error)
}

// Recorder receives per-document outcomes: "processed", "unrated", "skipped" or "cancelled".
type Recorder interface {
	ObserveDocument(task, outcome string)
	ObserveComparison(task string, memoized bool)
}

const (
	TaskPairwise    = "pairwise"
	TaskPerDocument = "per-document"
)

type Params struct {
	Documents       []annotation.SourceDocument
	Annotators      []string
	Layers          []annotation.Layer
	Measure         Measure
	IncludeCuration bool
}

func (p Params) participants() []annotation.Participant {
	names := append([]string(nil), p.Annotators...)
	sort.Strings(names)
	out := make([]annotation.Participant, 0, len(names)+1)
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, annotation.Annotator(name))
	}
	if p.IncludeCuration {
		out = append(out, annotation.Synthetic(annotation.RoleCuration))
	}
	return out
}

// Validate checks the measure against the task mode. Pairwise always compares two raters;
// per-document compares every participant at once.
func (p Params) Validate(mode string) error {
	if p.Measure == nil {
		return fmt.Errorf("%s agreement: measure is required", mode)
	}
	if mode != TaskPerDocument {
		return nil
	}
	raters := len(p.participants())
	if limit := p.Measure.MaxRaters(); limit > 0 && raters > limit {
		return fmt.Errorf("%w: %s compares at most %d raters, per-document would compare %d", ErrMeasureMode, p.Measure.Name(), limit, raters)
	}
	return nil
}

func (p Params) documents() []annotation.SourceDocument {
	docs := append([]annotation.SourceDocument(nil), p.Documents...)
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs
}

// Runner executes agreement tasks one document at a time on the calling goroutine.
type Runner struct {
	Loader  ViewLoader
	Monitor Monitor
	Log     logrus.FieldLogger
	Metrics Recorder
}

func (r *Runner) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

func (r *Runner) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.Monitor != nil && r.Monitor.IsCancelled()
}

func (r *Runner) progress(done, total int, message string) {
	if r.Monitor != nil {
		r.Monitor.SetProgress(done, total, message)
	}
}

func (r *Runner) observe(task, outcome string) {
	if r.Metrics != nil {
		r.Metrics.ObserveDocument(task, outcome)
	}
}

func (r *Runner) observeComparison(task string, memoized bool) {
	if r.Metrics != nil {
		r.Metrics.ObserveComparison(task, memoized)
	}
}

// viewCache loads each participant's view at most once for one document.
type viewCache struct {
	ctx    context.Context
	loader ViewLoader
	doc    annotation.SourceDocument
	views  map[annotation.Participant]cachedView
}

type cachedView struct {
	view   *annotation.View
	stored bool
}

func newViewCache(ctx context.Context, loader ViewLoader, doc annotation.SourceDocument) *viewCache {
	return &viewCache{ctx: ctx, loader: loader, doc: doc, views: make(map[annotation.Participant]cachedView)}
}

func (c *viewCache) get(p annotation.Participant) (*annotation.View, bool, error) {
	if cached, ok := c.views[p]; ok {
		return cached.view, cached.stored, nil
	}
	view, stored, err := c.loader.Load(c.ctx, c.doc, p)
	if err != nil {
		return nil, false, err
	}
	c.views[p] = cachedView{view: view, stored: stored}
	return view, stored, nil
}

// Pairwise computes the measure for every unordered participant pair, document by document.
// A cancelled run returns the partial result without error.
func (r *Runner) Pairwise(ctx context.Context, params Params) (*PairwiseResult, error) {
	if params.Measure == nil {
		return nil, errors.New("pairwise agreement: measure is required")
	}
	participants := params.participants()
	labels := make([]string, len(participants))
	for i, p := range participants {
		labels[i] = p.String()
	}
	result := newPairwiseResult(params.Measure.Name(), labels)
	docs := params.documents()

	for i, doc := range docs {
		if r.cancelled(ctx) {
			result.Cancelled = true
			r.observe(TaskPairwise, "cancelled")
			r.log().WithFields(logrus.Fields{"task": TaskPairwise, "done": i, "total": len(docs)}).Info("agreement task cancelled")
			return result, nil
		}
		r.progress(i, len(docs), doc.Name)

		if err := r.pairwiseDocument(ctx, params, participants, doc, result); err != nil {
			r.log().WithFields(logrus.Fields{"task": TaskPairwise, "document": doc.Name}).WithError(err).Error("skipping document")
			result.Skipped = append(result.Skipped, doc.Name)
			r.observe(TaskPairwise, "skipped")
			continue
		}
		result.Processed = append(result.Processed, doc.Name)
		r.observe(TaskPairwise, "processed")
	}
	r.progress(len(docs), len(docs), "done")
	return result, nil
}

// pairwiseDocument fills one document's pairs into a scratch map first so a failing pair
// leaves the aggregate untouched.
func (r *Runner) pairwiseDocument(ctx context.Context, params Params, participants []annotation.Participant, doc annotation.SourceDocument, result *PairwiseResult) error {
	cache := newViewCache(ctx, r.Loader, doc)
	var bothEmpty *Result
	type pairResult struct {
		a, b annotation.Participant
		r    Result
	}
	computed := make([]pairResult, 0, len(participants)*(len(participants)-1)/2)

	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			a, b := participants[i], participants[j]
			va, storedA, err := cache.get(a)
			if err != nil {
				return fmt.Errorf("load view of %s: %w", a, err)
			}
			vb, storedB, err := cache.get(b)
			if err != nil {
				return fmt.Errorf("load view of %s: %w", b, err)
			}
			group := PairOf(a.String(), b.String()).String()

			if !storedA && !storedB {
				if bothEmpty == nil {
					res, err := params.Measure.Compute(params.Layers, Group{Name: group, Views: map[annotation.Participant]*annotation.View{a: va, b: vb}})
					if err != nil {
						return fmt.Errorf("compare %s: %w", group, err)
					}
					bothEmpty = &res
					r.observeComparison(TaskPairwise, false)
				} else {
					r.observeComparison(TaskPairwise, true)
				}
				computed = append(computed, pairResult{a: a, b: b, r: bothEmpty.Rename(group, a.String(), b.String())})
				continue
			}

			res, err := params.Measure.Compute(params.Layers, Group{Name: group, Views: map[annotation.Participant]*annotation.View{a: va, b: vb}})
			if err != nil {
				return fmt.Errorf("compare %s: %w", group, err)
			}
			r.observeComparison(TaskPairwise, false)
			computed = append(computed, pairResult{a: a, b: b, r: res})
		}
	}

	for _, item := range computed {
		if err := result.mirror(item.a.String(), item.b.String(), item.r); err != nil {
			return err
		}
	}
	return nil
}

// errTooFewViews marks a document with fewer stored views than the measure needs.
var errTooFewViews = errors.New("too few stored views")

// PerDocument computes the measure once per document over every stored participant view.
// Documents with too few stored views are listed as unrated rather than skipped.
func (r *Runner) PerDocument(ctx context.Context, params Params) (*PerDocumentResult, error) {
	if err := params.Validate(TaskPerDocument); err != nil {
		return nil, err
	}
	participants := params.participants()
	result := newPerDocumentResult(params.Measure.Name())
	docs := params.documents()

	for i, doc := range docs {
		if r.cancelled(ctx) {
			result.Cancelled = true
			r.observe(TaskPerDocument, "cancelled")
			r.log().WithFields(logrus.Fields{"task": TaskPerDocument, "done": i, "total": len(docs)}).Info("agreement task cancelled")
			return result, nil
		}
		r.progress(i, len(docs), doc.Name)

		res, err := r.perDocument(ctx, params, participants, doc)
		if errors.Is(err, errTooFewViews) {
			r.log().WithFields(logrus.Fields{"task": TaskPerDocument, "document": doc.Name}).WithError(err).Info("document unrated")
			result.Unrated = append(result.Unrated, doc.Name)
			r.observe(TaskPerDocument, "unrated")
			continue
		}
		if err == nil {
			err = result.put(doc.Name, res)
		}
		if err != nil {
			r.log().WithFields(logrus.Fields{"task": TaskPerDocument, "document": doc.Name}).WithError(err).Error("skipping document")
			result.Skipped = append(result.Skipped, doc.Name)
			r.observe(TaskPerDocument, "skipped")
			continue
		}
		result.Processed = append(result.Processed, doc.Name)
		r.observe(TaskPerDocument, "processed")
	}
	r.progress(len(docs), len(docs), "done")
	return result, nil
}

func (r *Runner) perDocument(ctx context.Context, params Params, participants []annotation.Participant, doc annotation.SourceDocument) (Result, error) {
	views := make(map[annotation.Participant]*annotation.View, len(participants))
	for _, p := range participants {
		view, stored, err := r.Loader.Load(ctx, doc, p)
		if err != nil {
			return Result{}, fmt.Errorf("load view of %s: %w", p, err)
		}
		if stored {
			views[p] = view
		}
	}
	if len(views) < params.Measure.MinRaters() {
		return Result{}, fmt.Errorf("%w: %d of %d needed", errTooFewViews, len(views), params.Measure.MinRaters())
	}
	res, err := params.Measure.Compute(params.Layers, Group{Name: doc.Name, Views: views})
	if err != nil {
		return Result{}, fmt.Errorf("compare %s: %w", doc.Name, err)
	}
	r.observeComparison(TaskPerDocument, false)
	return res, nil
}
