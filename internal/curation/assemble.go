package curation

import (
	"errors"
	"fmt"
	"sort"

	"concord/api/internal/annotation"
	"concord/api/internal/diff"
)

type SentenceState string

const (
	StateAgree    SentenceState = "AGREE"
	StateDisagree SentenceState = "DISAGREE"
)

// Segment is one sentence of the curation view. State is derived on every assembly.
type Segment struct {
	Begin   int    `json:"begin"`
	End     int    `json:"end"`
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
	// Address is the sentence's address in the curation view, 0 when the window has no sentences.
	Address int `json:"address"`
	// Addresses maps usernames to the address of the sentence at the same begin in their view.
	Addresses map[string]int `json:"addresses"`
	State     SentenceState  `json:"state"`
	Options   int            `json:"options"`

	sentenceBegin int
}

type Container struct {
	DocumentID   string      `json:"documentId"`
	DocumentName string      `json:"documentName"`
	ProjectID    string      `json:"projectId"`
	Begin        int         `json:"begin"`
	End          int         `json:"end"`
	Users        []string    `json:"users"`
	Segments     []Segment   `json:"segments"`
	Stats        diff.Stats  `json:"stats"`
	Merge        *MergeStats `json:"merge,omitempty"`
}

type AssembleRequest struct {
	Merge        *annotation.View
	Views        map[annotation.Participant]*annotation.View
	Layers       []annotation.Layer
	SegmentLayer string
	Begin        int
	End          int
}

// Assemble splits the window of the merge view into sentence segments and classifies each one
// against the annotator views with a single diff over the window.
func Assemble(req AssembleRequest) (Container, error) {
	if req.Merge == nil {
		return Container{}, errors.New("assemble: merge view is required")
	}
	begin, end := clampWindow(req.Begin, req.End, req.Merge.Len())
	container := Container{
		DocumentID:   req.Merge.DocumentID,
		DocumentName: req.Merge.DocumentName,
		ProjectID:    req.Merge.ProjectID,
		Begin:        begin,
		End:          end,
		Users:        []string{},
		Segments:     []Segment{},
	}

	annotators := make(map[annotation.Participant]*annotation.View, len(req.Views))
	users := make([]annotation.Participant, 0, len(req.Views))
	for p, view := range req.Views {
		name, ok := p.Name()
		if !ok {
			continue
		}
		annotators[p] = view
		users = append(users, p)
		container.Users = append(container.Users, name)
	}
	sort.Strings(container.Users)
	annotation.SortParticipants(users)

	container.Segments = segmentsOf(req.Merge, req.SegmentLayer, begin, end)
	if len(container.Segments) == 0 {
		container.Segments = []Segment{}
		return container, nil
	}

	sentenceAt := make(map[annotation.Participant]map[int]int, len(users))
	for _, p := range users {
		byBegin := make(map[int]int)
		for _, inst := range annotators[p].All(req.SegmentLayer) {
			if _, seen := byBegin[inst.Begin]; !seen {
				byBegin[inst.Begin] = inst.Handle().Address()
			}
		}
		sentenceAt[p] = byBegin
	}
	for i := range container.Segments {
		seg := &container.Segments[i]
		seg.State = StateAgree
		if seg.Address == 0 {
			continue
		}
		for _, p := range users {
			if address, ok := sentenceAt[p][seg.sentenceBegin]; ok {
				name, _ := p.Name()
				seg.Addresses[name] = address
			}
		}
	}

	if len(annotators) == 0 {
		return container, nil
	}
	options, err := diff.Do(diff.Request{Layers: req.Layers, Views: annotators, Begin: begin, End: end})
	if err != nil {
		return Container{}, fmt.Errorf("diff window [%d,%d): %w", begin, end, err)
	}
	container.Stats = diff.Summarize(options, len(annotators))
	for _, option := range options {
		seg := &container.Segments[segmentIndex(container.Segments, option.Begin)]
		seg.Options++
		if option.Disagrees(len(annotators)) {
			seg.State = StateDisagree
		}
	}
	return container, nil
}

func clampWindow(begin, end, length int) (int, int) {
	if begin < 0 {
		begin = 0
	}
	if end <= 0 || end > length {
		end = length
	}
	if begin > end {
		begin = end
	}
	return begin, end
}

// segmentsOf cuts [begin, end) at sentence begins. The leading gap belongs to the first segment
// and gaps between sentences to the preceding one.
func segmentsOf(view *annotation.View, layer string, begin, end int) []Segment {
	ordinals := make(map[int]int)
	for i, inst := range view.All(layer) {
		if _, ok := ordinals[inst.Begin]; !ok {
			ordinals[inst.Begin] = i + 1
		}
	}

	var segments []Segment
	lastBegin := -1
	for _, inst := range view.Select(layer, begin, end) {
		if inst.Begin == lastBegin {
			continue
		}
		lastBegin = inst.Begin
		start := inst.Begin
		if len(segments) == 0 || start < begin {
			start = begin
		}
		if len(segments) > 0 && start <= segments[len(segments)-1].Begin {
			continue
		}
		segments = append(segments, Segment{
			Begin:         start,
			Ordinal:       ordinals[inst.Begin],
			Address:       inst.Handle().Address(),
			Addresses:     map[string]int{},
			sentenceBegin: inst.Begin,
		})
	}
	if len(segments) == 0 {
		if begin == end {
			return nil
		}
		segments = append(segments, Segment{Begin: begin, Addresses: map[string]int{}})
	}
	for i := range segments {
		if i+1 < len(segments) {
			segments[i].End = segments[i+1].Begin
		} else {
			segments[i].End = end
		}
		segments[i].Text = view.Covered(segments[i].Begin, segments[i].End)
	}
	return segments
}

// segmentIndex finds the segment containing offset, clamping offsets before the window to the first.
func segmentIndex(segments []Segment, offset int) int {
	i := sort.Search(len(segments), func(i int) bool { return segments[i].Begin > offset })
	if i == 0 {
		return 0
	}
	return i - 1
}
