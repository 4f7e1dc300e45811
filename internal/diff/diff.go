// Package diff aligns annotations from several views by position and groups them by value.
package diff

import (
	"errors"
	"fmt"
	"sort"

	"concord/api/internal/annotation"
)

// ErrUnsupportedFeature is returned when qualifiers are requested for a layer that cannot expose them.
var ErrUnsupportedFeature = errors.New("comparison feature not supported")

type Request struct {
	Layers []annotation.Layer
	Views  map[annotation.Participant]*annotation.View
	Begin  int
	End    int
	// Qualifiers adds link qualifier values to the comparison.
	Qualifiers bool
}

// Selection is one value bucket of an option.
type Selection struct {
	Value     string
	Absent    bool
	Qualifier string
	Addresses map[annotation.Participant]annotation.Handle
}

func (s Selection) Has(p annotation.Participant) bool {
	_, ok := s.Addresses[p]
	return ok
}

func (s Selection) Participants() []annotation.Participant {
	items := make([]annotation.Participant, 0, len(s.Addresses))
	for p := range s.Addresses {
		items = append(items, p)
	}
	annotation.SortParticipants(items)
	return items
}

// Option holds every instance seen at one position.
type Option struct {
	Position   annotation.Position
	Begin      int
	End        int
	Selections []Selection
}

// Agrees reports full agreement among n participants.
func (o Option) Agrees(n int) bool {
	return len(o.Selections) == 1 && len(o.Selections[0].Addresses) == n
}

func (o Option) Disagrees(n int) bool {
	return !o.Agrees(n)
}

// SelectionOf returns the first selection holding p.
func (o Option) SelectionOf(p annotation.Participant) (Selection, bool) {
	for _, sel := range o.Selections {
		if sel.Has(p) {
			return sel, true
		}
	}
	return Selection{}, false
}

// Participants returns everyone with an instance at this position.
func (o Option) Participants() []annotation.Participant {
	seen := make(map[annotation.Participant]struct{})
	items := make([]annotation.Participant, 0)
	for _, sel := range o.Selections {
		for p := range sel.Addresses {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			items = append(items, p)
		}
	}
	annotation.SortParticipants(items)
	return items
}

type bucketKey struct {
	absent    bool
	value     string
	qualifier string
}

type optionBuilder struct {
	option  Option
	buckets map[bucketKey]int
}

// Do groups the instances of every layer overlapping [Begin, End) into options.
// Input views are only read.
func Do(req Request) ([]Option, error) {
	if req.Begin > req.End {
		return nil, fmt.Errorf("invalid range [%d,%d)", req.Begin, req.End)
	}

	layers := make(map[string]annotation.Layer, len(req.Layers))
	names := make([]string, 0, len(req.Layers))
	for _, layer := range req.Layers {
		if !layer.Kind.Valid() {
			return nil, fmt.Errorf("layer %s: unknown kind %q", layer.Name, layer.Kind)
		}
		if req.Qualifiers && !layer.SupportsQualifiers() {
			return nil, fmt.Errorf("layer %s qualifier %s: %w", layer.Name, layer.Qualifier, ErrUnsupportedFeature)
		}
		if _, ok := layers[layer.Name]; ok {
			continue
		}
		layers[layer.Name] = layer
		names = append(names, layer.Name)
	}
	sort.Strings(names)

	participants := make([]annotation.Participant, 0, len(req.Views))
	for p, view := range req.Views {
		if view == nil {
			return nil, fmt.Errorf("view for %s is nil", p)
		}
		participants = append(participants, p)
	}
	annotation.SortParticipants(participants)

	builders := make(map[annotation.Position]*optionBuilder)
	for _, p := range participants {
		view := req.Views[p]
		for _, name := range names {
			layer := layers[name]
			for _, inst := range view.Select(name, req.Begin, req.End) {
				pos, err := annotation.PositionOf(view, inst, layer.Kind)
				if err != nil {
					return nil, fmt.Errorf("position for %s in view of %s: %w", name, p, err)
				}
				builder, ok := builders[pos]
				if !ok {
					builder = &optionBuilder{
						option:  Option{Position: pos, Begin: inst.Begin, End: inst.End},
						buckets: make(map[bucketKey]int),
					}
					builders[pos] = builder
				}
				builder.add(p, inst, keyFor(inst, layer, req.Qualifiers))
			}
		}
	}

	options := make([]Option, 0, len(builders))
	for _, builder := range builders {
		sortSelections(builder.option.Selections)
		options = append(options, builder.option)
	}
	sort.Slice(options, func(i, j int) bool {
		return options[i].Position.Less(options[j].Position)
	})
	return options, nil
}

func (b *optionBuilder) add(p annotation.Participant, inst *annotation.Instance, key bucketKey) {
	idx, ok := b.buckets[key]
	if !ok {
		b.option.Selections = append(b.option.Selections, Selection{
			Value:     key.value,
			Absent:    key.absent,
			Qualifier: key.qualifier,
			Addresses: make(map[annotation.Participant]annotation.Handle),
		})
		idx = len(b.option.Selections) - 1
		b.buckets[key] = idx
	}
	sel := b.option.Selections[idx]
	if _, seen := sel.Addresses[p]; !seen {
		sel.Addresses[p] = inst.Handle()
	}
}

func keyFor(inst *annotation.Instance, layer annotation.Layer, qualifiers bool) bucketKey {
	var key bucketKey
	if layer.Feature != "" {
		value, ok := inst.Feature(layer.Feature)
		key.value = value
		key.absent = !ok
	}
	if qualifiers && layer.Qualifier != "" {
		key.qualifier, _ = inst.Feature(layer.Qualifier)
	}
	return key
}

func sortSelections(items []Selection) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Absent != items[j].Absent {
			return !items[i].Absent
		}
		if items[i].Value != items[j].Value {
			return items[i].Value < items[j].Value
		}
		return items[i].Qualifier < items[j].Qualifier
	})
}

// Stats counts agreeing and disagreeing options for n participants.
type Stats struct {
	Options   int `json:"options"`
	Agreed    int `json:"agreed"`
	Disagreed int `json:"disagreed"`
}

func Summarize(options []Option, n int) Stats {
	stats := Stats{Options: len(options)}
	for _, option := range options {
		if option.Agrees(n) {
			stats.Agreed++
		} else {
			stats.Disagreed++
		}
	}
	return stats
}
