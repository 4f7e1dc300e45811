// Package curation builds the consensus view that seeds manual curation and packages it into segments.
package curation

import (
	"errors"
	"fmt"
	"sort"

	"concord/api/internal/annotation"
	"concord/api/internal/diff"
)

var ErrNoAnnotations = errors.New("no finished annotations to merge")

// BuildError wraps a failure to build the curation view of one document.
type BuildError struct {
	DocumentID string
	Err        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build curation view for document %s: %v", e.DocumentID, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type MergeRequest struct {
	// Layers are compared. Disagreeing instances of these layers are dropped from the merge.
	Layers []annotation.Layer
	Views  map[annotation.Participant]*annotation.View
	// Protected names extra load-bearing layers outside the compared set.
	Protected map[string]bool
}

type MergeStats struct {
	Base      string `json:"base"`
	Options   int    `json:"options"`
	Disagreed int    `json:"disagreed"`
	Removed   int    `json:"removed"`
	Cascaded  int    `json:"cascaded"`
}

// BaseAnnotator picks the lexicographically first annotator with a view.
func BaseAnnotator(views map[annotation.Participant]*annotation.View) (annotation.Participant, bool) {
	names := make([]string, 0, len(views))
	for p := range views {
		if name, ok := p.Name(); ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return annotation.Participant{}, false
	}
	sort.Strings(names)
	return annotation.Annotator(names[0]), true
}

// BuildMerge clones the base annotator's view and strips every instance whose position is
// disagreed on, keeping load-bearing layers. The input views are not modified.
func BuildMerge(req MergeRequest) (*annotation.View, MergeStats, error) {
	base, ok := BaseAnnotator(req.Views)
	if !ok {
		return nil, MergeStats{}, ErrNoAnnotations
	}
	curation := annotation.Synthetic(annotation.RoleCuration)
	merged := req.Views[base].Clone(curation)
	merged.Initial = false
	stats := MergeStats{Base: base.String()}

	views := make(map[annotation.Participant]*annotation.View, len(req.Views)+1)
	for p, view := range req.Views {
		if p.IsSynthetic() {
			continue
		}
		views[p] = view
	}
	views[curation] = merged

	options, err := diff.Do(diff.Request{Layers: req.Layers, Views: views, Begin: 0, End: merged.Len()})
	if err != nil {
		return nil, stats, fmt.Errorf("diff views: %w", err)
	}
	stats.Options = len(options)

	kinds := make(map[string]annotation.Kind, len(req.Layers))
	protected := make(map[string]bool, len(req.Layers)+len(req.Protected))
	for name, ok := range req.Protected {
		protected[name] = ok
	}
	for _, layer := range req.Layers {
		kinds[layer.Name] = layer.Kind
		if layer.LoadBearing {
			protected[layer.Name] = true
		}
	}

	disputed := make(map[annotation.Position]struct{})
	for _, option := range options {
		if option.Disagrees(len(views)) {
			stats.Disagreed++
			disputed[option.Position] = struct{}{}
		}
	}

	removed := make(map[int]struct{})
	for _, inst := range merged.Instances() {
		kind, compared := kinds[inst.Layer]
		if !compared || protected[inst.Layer] {
			continue
		}
		pos, err := annotation.PositionOf(merged, inst, kind)
		if err != nil {
			return nil, stats, fmt.Errorf("position of %s: %w", inst.Handle(), err)
		}
		if _, ok := disputed[pos]; !ok {
			continue
		}
		removed[inst.Handle().Address()] = struct{}{}
	}
	for address := range removed {
		if err := removeAt(merged, address); err != nil {
			return nil, stats, err
		}
	}
	stats.Removed = len(removed)

	cascaded, err := cascade(merged, removed, protected)
	if err != nil {
		return nil, stats, err
	}
	stats.Cascaded = cascaded
	return merged, stats, nil
}

func removeAt(view *annotation.View, address int) error {
	h, err := view.HandleAt(address)
	if err != nil {
		return fmt.Errorf("resolve address %d: %w", address, err)
	}
	if err := view.Remove(h); err != nil {
		return fmt.Errorf("remove address %d: %w", address, err)
	}
	return nil
}

// cascade removes instances that reference a removed instance until nothing dangles.
func cascade(view *annotation.View, removed map[int]struct{}, protected map[string]bool) (int, error) {
	count := 0
	for {
		var next []int
		for _, inst := range view.Instances() {
			if protected[inst.Layer] {
				continue
			}
			for _, ref := range []annotation.Handle{inst.Source, inst.Target, inst.Chain} {
				if ref.IsZero() {
					continue
				}
				if _, gone := removed[ref.Address()]; gone {
					next = append(next, inst.Handle().Address())
					break
				}
			}
		}
		if len(next) == 0 {
			return count, nil
		}
		for _, address := range next {
			if err := removeAt(view, address); err != nil {
				return count, err
			}
			removed[address] = struct{}{}
			count++
		}
	}
}

// CorrectionMerge uses the correction owner's view as the curation seed without comparing.
func CorrectionMerge(correction *annotation.View) (*annotation.View, error) {
	if correction == nil {
		return nil, ErrNoAnnotations
	}
	merged := correction.Clone(annotation.Synthetic(annotation.RoleCuration))
	merged.Initial = false
	return merged, nil
}
