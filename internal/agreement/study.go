package agreement

import (
	"sort"

	"concord/api/internal/annotation"
	"concord/api/internal/diff"
)

// Category is one rater's answer for an item.
type Category struct {
	Value  string `json:"value,omitempty"`
	Absent bool   `json:"absent,omitempty"`
	// Missing means the rater has no instance at the item's position.
	Missing bool `json:"missing,omitempty"`
}

// Item is one compared position. Ratings are aligned with the study's raters.
type Item struct {
	Position annotation.Position `json:"-"`
	Ratings  []Category          `json:"ratings"`
}

// Study is a coding study: every item rated by every rater.
type Study struct {
	Raters []string `json:"raters"`
	Items  []Item   `json:"items"`
}

// BuildStudy turns diff options into a coding study over the given raters.
func BuildStudy(options []diff.Option, raters []annotation.Participant) Study {
	study := Study{Raters: make([]string, len(raters)), Items: make([]Item, 0, len(options))}
	for i, p := range raters {
		study.Raters[i] = p.String()
	}
	for _, option := range options {
		item := Item{Position: option.Position, Ratings: make([]Category, len(raters))}
		for i, p := range raters {
			sel, ok := option.SelectionOf(p)
			if !ok {
				item.Ratings[i] = Category{Missing: true}
				continue
			}
			item.Ratings[i] = Category{Value: sel.Value, Absent: sel.Absent}
		}
		study.Items = append(study.Items, item)
	}
	return study
}

// Rename substitutes rater labels positionally.
func (s Study) Rename(raters ...string) Study {
	out := Study{Raters: make([]string, len(s.Raters)), Items: s.Items}
	copy(out.Raters, s.Raters)
	for i := range raters {
		if i < len(out.Raters) {
			out.Raters[i] = raters[i]
		}
	}
	return out
}

// Merge appends the items of other. Raters missing from either side rate those items as Missing.
func (s Study) Merge(other Study) Study {
	index := make(map[string]int)
	raters := make([]string, 0, len(s.Raters)+len(other.Raters))
	for _, name := range append(append([]string{}, s.Raters...), other.Raters...) {
		if _, ok := index[name]; ok {
			continue
		}
		index[name] = len(raters)
		raters = append(raters, name)
	}
	sort.Strings(raters)
	for i, name := range raters {
		index[name] = i
	}

	merged := Study{Raters: raters, Items: make([]Item, 0, len(s.Items)+len(other.Items))}
	remap := func(src Study) {
		for _, item := range src.Items {
			ratings := make([]Category, len(raters))
			for i := range ratings {
				ratings[i] = Category{Missing: true}
			}
			for i, rating := range item.Ratings {
				ratings[index[src.Raters[i]]] = rating
			}
			merged.Items = append(merged.Items, Item{Position: item.Position, Ratings: ratings})
		}
	}
	remap(s)
	remap(other)
	return merged
}
