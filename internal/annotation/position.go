package annotation

import "fmt"

type Span struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
}

// Position identifies "the same place" independently of the view an instance came from.
// It is comparable and derived from offsets only.
type Position struct {
	Layer  string `json:"layer"`
	Kind   Kind   `json:"kind"`
	Span   Span   `json:"span"`
	Source Span   `json:"source"`
	Target Span   `json:"target"`
	Chain  Span   `json:"chain"`
}

// PositionOf derives the position of inst, which must belong to v.
func PositionOf(v *View, inst *Instance, kind Kind) (Position, error) {
	pos := Position{Layer: inst.Layer, Kind: kind}
	switch kind {
	case KindSpan:
		pos.Span = Span{Begin: inst.Begin, End: inst.End}
	case KindRelation:
		source, err := v.Get(inst.Source)
		if err != nil {
			return Position{}, fmt.Errorf("relation source of %s: %w", inst.handle, err)
		}
		target, err := v.Get(inst.Target)
		if err != nil {
			return Position{}, fmt.Errorf("relation target of %s: %w", inst.handle, err)
		}
		pos.Source = Span{Begin: source.Begin, End: source.End}
		pos.Target = Span{Begin: target.Begin, End: target.End}
	case KindChainLink:
		pos.Span = Span{Begin: inst.Begin, End: inst.End}
		pos.Chain = pos.Span
		if !inst.Chain.IsZero() {
			chain, err := v.Get(inst.Chain)
			if err != nil {
				return Position{}, fmt.Errorf("chain of %s: %w", inst.handle, err)
			}
			pos.Chain = Span{Begin: chain.Begin, End: chain.End}
		}
	default:
		return Position{}, fmt.Errorf("unknown layer kind %q", kind)
	}
	return pos, nil
}

// Anchor is the span used to order positions and place them in segments.
func (p Position) Anchor() Span {
	if p.Kind == KindRelation {
		return p.Target
	}
	return p.Span
}

// Less orders positions by anchor, then layer, then the remaining offsets.
func (p Position) Less(o Position) bool {
	a, b := p.Anchor(), o.Anchor()
	if a.Begin != b.Begin {
		return a.Begin < b.Begin
	}
	if a.End != b.End {
		return a.End < b.End
	}
	if p.Layer != o.Layer {
		return p.Layer < o.Layer
	}
	if p.Kind != o.Kind {
		return p.Kind < o.Kind
	}
	for _, pair := range [][2]Span{{p.Source, o.Source}, {p.Chain, o.Chain}} {
		if pair[0].Begin != pair[1].Begin {
			return pair[0].Begin < pair[1].Begin
		}
		if pair[0].End != pair[1].End {
			return pair[0].End < pair[1].End
		}
	}
	return false
}

func (p Position) String() string {
	switch p.Kind {
	case KindRelation:
		return fmt.Sprintf("%s[%d-%d -> %d-%d]", p.Layer, p.Source.Begin, p.Source.End, p.Target.Begin, p.Target.End)
	case KindChainLink:
		return fmt.Sprintf("%s[%d-%d in %d-%d]", p.Layer, p.Span.Begin, p.Span.End, p.Chain.Begin, p.Chain.End)
	default:
		return fmt.Sprintf("%s[%d-%d]", p.Layer, p.Span.Begin, p.Span.End)
	}
}
