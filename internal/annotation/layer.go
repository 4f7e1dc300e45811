package annotation

// Kind decides how the position of an instance is derived.
type Kind string

const (
	KindSpan      Kind = "span"
	KindRelation  Kind = "relation"
	KindChainLink Kind = "chain-link"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSpan, KindRelation, KindChainLink:
		return true
	default:
		return false
	}
}

// Layer describes one annotation type in comparison scope.
type Layer struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"kind" json:"kind"`
	// Feature is the comparison feature. Empty means instances only compare by position.
	Feature string `yaml:"feature,omitempty" json:"feature,omitempty"`
	// Qualifier is the link qualifier feature, if the layer has link features.
	Qualifier string `yaml:"qualifier,omitempty" json:"qualifier,omitempty"`
	// Reified layers store links in a form that cannot expose qualifiers.
	Reified bool `yaml:"reified,omitempty" json:"reified,omitempty"`
	// LoadBearing layers are referenced by other layers and survive every merge.
	LoadBearing bool              `yaml:"loadBearing,omitempty" json:"loadBearing,omitempty"`
	Defaults    map[string]string `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// SupportsQualifiers reports whether qualifier values can be compared for this layer.
// Layers without a qualifier feature have nothing to compare and are trivially supported.
func (l Layer) SupportsQualifiers() bool {
	return l.Qualifier == "" || !l.Reified
}
