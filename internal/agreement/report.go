package agreement

import "time"

type Score struct {
	Group   string   `json:"group"`
	Raters  []string `json:"raters"`
	Score   float64  `json:"score"`
	Defined bool     `json:"defined"`
	Items   int      `json:"items"`
}

func scoreOf(r Result) Score {
	return Score{Group: r.Group, Raters: r.Raters, Score: r.Score, Defined: r.Defined, Items: r.Items()}
}

// Report is the stored and exported form of a finished task.
type Report struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Mode      string    `json:"mode"`
	Measure   string    `json:"measure"`
	CreatedAt time.Time `json:"createdAt"`
	Cancelled bool      `json:"cancelled"`
	Processed []string  `json:"processed"`
	Unrated   []string  `json:"unrated,omitempty"`
	Skipped   []string  `json:"skipped"`
	Raters    []string  `json:"raters,omitempty"`
	Pairs     []Score   `json:"pairs,omitempty"`
	Documents []Score   `json:"documents,omitempty"`
	Overall   *Score    `json:"overall,omitempty"`
}

// Cell returns the pairwise score for two raters in either order.
func (r Report) Cell(a, b string) (Score, bool) {
	key := PairOf(a, b).String()
	for _, s := range r.Pairs {
		if s.Group == key {
			return s, true
		}
	}
	return Score{}, false
}

func (p *PairwiseResult) Report(id, projectID string, now time.Time) Report {
	report := Report{
		ID: id, ProjectID: projectID, Mode: TaskPairwise, Measure: p.Measure, CreatedAt: now,
		Cancelled: p.Cancelled, Processed: nonNil(p.Processed), Skipped: nonNil(p.Skipped), Raters: p.Raters,
	}
	for _, pair := range p.Pairs() {
		report.Pairs = append(report.Pairs, scoreOf(p.results[pair]))
	}
	return report
}

func (p *PerDocumentResult) Report(id, projectID string, now time.Time) Report {
	report := Report{
		ID: id, ProjectID: projectID, Mode: TaskPerDocument, Measure: p.Measure, CreatedAt: now,
		Cancelled: p.Cancelled, Processed: nonNil(p.Processed), Unrated: p.Unrated, Skipped: nonNil(p.Skipped),
	}
	for _, name := range p.Documents() {
		s := scoreOf(p.results[name])
		s.Group = name
		report.Documents = append(report.Documents, s)
	}
	if overall, ok := p.Overall(); ok {
		s := scoreOf(overall)
		report.Overall = &s
	}
	return report
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
