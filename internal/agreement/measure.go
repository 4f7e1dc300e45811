// Package agreement computes inter-annotator agreement over groups of views.
package agreement

import (
	"errors"
	"fmt"
	"sort"

	"concord/api/internal/annotation"
	"concord/api/internal/diff"
)

var (
	ErrRaterCount     = errors.New("unsupported number of raters")
	ErrUnknownMeasure = errors.New("unknown agreement measure")
	ErrMeasureMode    = errors.New("measure does not fit the task mode")
)

const (
	MeasurePercent = "percent"
	MeasureCohen   = "cohen-kappa"
	MeasureFleiss  = "fleiss-kappa"
)

// Group is a named set of views compared together.
type Group struct {
	Name  string
	Views map[annotation.Participant]*annotation.View
}

func (g Group) Raters() []annotation.Participant {
	raters := make([]annotation.Participant, 0, len(g.Views))
	for p := range g.Views {
		raters = append(raters, p)
	}
	annotation.SortParticipants(raters)
	return raters
}

type Measure interface {
	Name() string
	// MinRaters and MaxRaters bound the group size Compute accepts. MaxRaters is 0 when unbounded.
	MinRaters() int
	MaxRaters() int
	Compute(layers []annotation.Layer, group Group) (Result, error)
}

type scorer func(Study) (float64, bool)

type codingMeasure struct {
	name      string
	minRaters int
	maxRaters int
	score     scorer
}

var measures = map[string]codingMeasure{
	MeasurePercent: {name: MeasurePercent, minRaters: 2, score: percentAgreement},
	MeasureCohen:   {name: MeasureCohen, minRaters: 2, maxRaters: 2, score: cohenKappa},
	MeasureFleiss:  {name: MeasureFleiss, minRaters: 2, score: fleissKappa},
}

// Lookup returns a measure by name.
func Lookup(name string) (Measure, error) {
	m, ok := measures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMeasure, name)
	}
	return m, nil
}

// Names lists the registered measures.
func Names() []string {
	names := make([]string, 0, len(measures))
	for name := range measures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m codingMeasure) Name() string {
	return m.name
}

func (m codingMeasure) MinRaters() int {
	return m.minRaters
}

func (m codingMeasure) MaxRaters() int {
	return m.maxRaters
}

// Compute diffs the whole text of every view in the group and scores the resulting study.
func (m codingMeasure) Compute(layers []annotation.Layer, group Group) (Result, error) {
	raters := group.Raters()
	if len(raters) < m.minRaters || (m.maxRaters > 0 && len(raters) > m.maxRaters) {
		return Result{}, fmt.Errorf("%s over %d raters: %w", m.name, len(raters), ErrRaterCount)
	}
	end := 0
	for _, view := range group.Views {
		if view.Len() > end {
			end = view.Len()
		}
	}
	options, err := diff.Do(diff.Request{Layers: layers, Views: group.Views, Begin: 0, End: end})
	if err != nil {
		return Result{}, fmt.Errorf("diff group %s: %w", group.Name, err)
	}
	return newResult(m.name, group.Name, BuildStudy(options, raters)), nil
}

func categoryCounts(study Study) []map[Category]int {
	counts := make([]map[Category]int, len(study.Items))
	for i, item := range study.Items {
		counts[i] = make(map[Category]int, len(item.Ratings))
		for _, rating := range item.Ratings {
			counts[i][rating]++
		}
	}
	return counts
}

func percentAgreement(study Study) (float64, bool) {
	if len(study.Items) == 0 {
		return 0, false
	}
	agreed := 0
	for _, counts := range categoryCounts(study) {
		if len(counts) == 1 {
			agreed++
		}
	}
	return float64(agreed) / float64(len(study.Items)), true
}

func cohenKappa(study Study) (float64, bool) {
	n := float64(len(study.Items))
	if n == 0 || len(study.Raters) != 2 {
		return 0, false
	}
	marginals := [2]map[Category]float64{{}, {}}
	observed := 0.0
	for _, item := range study.Items {
		a, b := item.Ratings[0], item.Ratings[1]
		if a == b {
			observed++
		}
		marginals[0][a]++
		marginals[1][b]++
	}
	po := observed / n
	pe := 0.0
	for category, count := range marginals[0] {
		pe += (count / n) * (marginals[1][category] / n)
	}
	if pe == 1 {
		return 0, false
	}
	return (po - pe) / (1 - pe), true
}

func fleissKappa(study Study) (float64, bool) {
	items := len(study.Items)
	raters := len(study.Raters)
	if items == 0 || raters < 2 {
		return 0, false
	}
	totals := make(map[Category]float64)
	meanP := 0.0
	for _, counts := range categoryCounts(study) {
		sum := 0.0
		for category, c := range counts {
			totals[category] += float64(c)
			sum += float64(c * (c - 1))
		}
		meanP += sum / float64(raters*(raters-1))
	}
	meanP /= float64(items)
	pe := 0.0
	for _, total := range totals {
		p := total / float64(items*raters)
		pe += p * p
	}
	if pe == 1 {
		return 0, false
	}
	return (meanP - pe) / (1 - pe), true
}
