package agreement

import (
	"fmt"
	"sort"
)

// Result is a scored study. It keeps the study so results can be merged across documents.
type Result struct {
	Measure string   `json:"measure"`
	Group   string   `json:"group"`
	Raters  []string `json:"raters"`
	Score   float64  `json:"score"`
	Defined bool     `json:"defined"`
	Study   Study    `json:"-"`
}

func newResult(measure, group string, study Study) Result {
	r := Result{Measure: measure, Group: group, Raters: study.Raters, Study: study}
	r.rescore()
	return r
}

func (r *Result) rescore() {
	m, ok := measures[r.Measure]
	if !ok {
		r.Score, r.Defined = 0, false
		return
	}
	r.Score, r.Defined = m.score(r.Study)
}

// Items is the number of compared positions.
func (r Result) Items() int {
	return len(r.Study.Items)
}

// Merge combines two results of the same measure and rescores the combined study.
func (r Result) Merge(other Result) (Result, error) {
	if r.Measure != other.Measure {
		return Result{}, fmt.Errorf("merge %s with %s: measures differ", r.Measure, other.Measure)
	}
	merged := Result{Measure: r.Measure, Group: r.Group, Study: r.Study.Merge(other.Study)}
	merged.Raters = merged.Study.Raters
	merged.rescore()
	return merged, nil
}

// Rename returns a copy whose raters are replaced positionally.
func (r Result) Rename(group string, raters ...string) Result {
	out := r
	out.Group = group
	out.Study = r.Study.Rename(raters...)
	out.Raters = out.Study.Raters
	return out
}

// Pair is an unordered annotator pair.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// PairOf orders the two names so that PairOf(a, b) == PairOf(b, a).
func PairOf(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

func (p Pair) String() string {
	return p.A + "/" + p.B
}

// PairwiseResult holds one merged result per annotator pair.
type PairwiseResult struct {
	Measure   string
	Raters    []string
	Processed []string
	Skipped   []string
	Cancelled bool

	results map[Pair]Result
}

func newPairwiseResult(measure string, raters []string) *PairwiseResult {
	return &PairwiseResult{Measure: measure, Raters: raters, results: make(map[Pair]Result)}
}

// Get returns the result for a pair in either order.
func (p *PairwiseResult) Get(a, b string) (Result, bool) {
	r, ok := p.results[PairOf(a, b)]
	return r, ok
}

func (p *PairwiseResult) Pairs() []Pair {
	pairs := make([]Pair, 0, len(p.results))
	for pair := range p.results {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// mirror stores r under the pair and gives the reverse order the same value.
func (p *PairwiseResult) mirror(a, b string, r Result) error {
	key := PairOf(a, b)
	r.Group = key.String()
	existing, ok := p.results[key]
	if !ok {
		p.results[key] = r
		return nil
	}
	merged, err := existing.Merge(r)
	if err != nil {
		return err
	}
	p.results[key] = merged
	return nil
}

// PerDocumentResult holds one result per document name.
type PerDocumentResult struct {
	Measure   string
	Processed []string
	Unrated   []string
	Skipped   []string
	Cancelled bool

	results map[string]Result
}

func newPerDocumentResult(measure string) *PerDocumentResult {
	return &PerDocumentResult{Measure: measure, results: make(map[string]Result)}
}

func (p *PerDocumentResult) Get(document string) (Result, bool) {
	r, ok := p.results[document]
	return r, ok
}

func (p *PerDocumentResult) Documents() []string {
	names := make([]string, 0, len(p.results))
	for name := range p.results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *PerDocumentResult) put(document string, r Result) error {
	existing, ok := p.results[document]
	if !ok {
		p.results[document] = r
		return nil
	}
	merged, err := existing.Merge(r)
	if err != nil {
		return err
	}
	p.results[document] = merged
	return nil
}

// Overall merges every document's study into one result.
func (p *PerDocumentResult) Overall() (Result, bool) {
	names := p.Documents()
	if len(names) == 0 {
		return Result{}, false
	}
	overall := p.results[names[0]]
	for _, name := range names[1:] {
		merged, err := overall.Merge(p.results[name])
		if err != nil {
			return Result{}, false
		}
		overall = merged
	}
	overall.Group = fmt.Sprintf("all %d documents", len(names))
	return overall, true
}
