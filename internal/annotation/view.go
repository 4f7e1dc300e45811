package annotation

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

var (
	ErrForeignHandle = errors.New("handle belongs to another view")
	ErrUnknownHandle = errors.New("unknown handle")
	ErrInvalidOffset = errors.New("invalid offsets")
	ErrViewExists    = errors.New("view already exists")
)

type ProjectMode string

const (
	ModeAnnotation ProjectMode = "annotation"
	ModeCorrection ProjectMode = "correction"
)

type Project struct {
	ID   string
	Name string
	Mode ProjectMode
}

// SourceDocument is the immutable text every annotator works on.
type SourceDocument struct {
	ID        string
	ProjectID string
	Name      string
	Text      string
}

type DocumentState string

const (
	StateNew        DocumentState = "NEW"
	StateInProgress DocumentState = "IN_PROGRESS"
	StateFinished   DocumentState = "FINISHED"
	StateIgnore     DocumentState = "IGNORE"
)

// AnnotationDocument is one annotator's work record over a source document.
type AnnotationDocument struct {
	DocumentID string
	User       string
	State      DocumentState
	UpdatedAt  time.Time
}

type ViewID uint64

var viewSeq atomic.Uint64

// Handle addresses one instance inside the view that issued it.
type Handle struct {
	view  ViewID
	index int
}

func (h Handle) IsZero() bool {
	return h.index == 0
}

// Address is the view-local integer address, for passing through to clients.
func (h Handle) Address() int {
	return h.index
}

func (h Handle) View() ViewID {
	return h.view
}

func (h Handle) String() string {
	if h.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%d#%d", h.view, h.index)
}

// Instance is one typed annotation. Instances returned by a View must not be modified.
type Instance struct {
	Layer    string
	Begin    int
	End      int
	Features map[string]string
	Source   Handle
	Target   Handle
	Chain    Handle

	handle Handle
}

func (i *Instance) Handle() Handle {
	return i.handle
}

func (i *Instance) Feature(name string) (string, bool) {
	if i.Features == nil {
		return "", false
	}
	value, ok := i.Features[name]
	return value, ok
}

// View is one annotator's annotation graph over a document text. Offsets count code points.
type View struct {
	DocumentID    string
	DocumentName  string
	ProjectID     string
	Owner         Participant
	Initial       bool
	SchemaVersion int

	id        ViewID
	text      []rune
	instances []*Instance
}

func NewView(doc SourceDocument, owner Participant) *View {
	return &View{
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		ProjectID:    doc.ProjectID,
		Owner:        owner,
		id:           ViewID(viewSeq.Add(1)),
		text:         []rune(doc.Text),
	}
}

func (v *View) ID() ViewID {
	return v.id
}

func (v *View) Text() string {
	return string(v.text)
}

// Len is the text length in code points.
func (v *View) Len() int {
	return len(v.text)
}

// Covered returns the text between begin and end, clamped to the document.
func (v *View) Covered(begin, end int) string {
	if begin < 0 {
		begin = 0
	}
	if end > len(v.text) {
		end = len(v.text)
	}
	if begin >= end {
		return ""
	}
	return string(v.text[begin:end])
}

// Add stores a copy of inst and returns its handle.
func (v *View) Add(inst Instance) (Handle, error) {
	if inst.Layer == "" {
		return Handle{}, errors.New("instance layer is required")
	}
	if inst.Begin < 0 || inst.End < inst.Begin || inst.End > len(v.text) {
		return Handle{}, fmt.Errorf("%w: [%d,%d) in text of length %d", ErrInvalidOffset, inst.Begin, inst.End, len(v.text))
	}
	for _, ref := range []Handle{inst.Source, inst.Target, inst.Chain} {
		if ref.IsZero() {
			continue
		}
		if _, err := v.Get(ref); err != nil {
			return Handle{}, fmt.Errorf("resolve reference %s: %w", ref, err)
		}
	}
	features := make(map[string]string, len(inst.Features))
	for key, value := range inst.Features {
		features[key] = value
	}
	inst.Features = features
	inst.handle = Handle{view: v.id, index: len(v.instances) + 1}
	v.instances = append(v.instances, &inst)
	return inst.handle, nil
}

func (v *View) Get(h Handle) (*Instance, error) {
	if h.view != v.id {
		return nil, ErrForeignHandle
	}
	if h.index < 1 || h.index > len(v.instances) || v.instances[h.index-1] == nil {
		return nil, ErrUnknownHandle
	}
	return v.instances[h.index-1], nil
}

// Remove drops an instance from the view's index. Its handle is never reused.
func (v *View) Remove(h Handle) error {
	if _, err := v.Get(h); err != nil {
		return err
	}
	v.instances[h.index-1] = nil
	return nil
}

// SetFeature replaces a feature value on an instance owned by this view.
func (v *View) SetFeature(h Handle, name, value string) error {
	inst, err := v.Get(h)
	if err != nil {
		return err
	}
	inst.Features[name] = value
	return nil
}

// HandleAt rebuilds the handle for a view-local address.
func (v *View) HandleAt(address int) (Handle, error) {
	h := Handle{view: v.id, index: address}
	if _, err := v.Get(h); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Count returns the number of indexed instances.
func (v *View) Count() int {
	count := 0
	for _, inst := range v.instances {
		if inst != nil {
			count++
		}
	}
	return count
}

// Instances returns all indexed instances ordered by begin, end and handle.
func (v *View) Instances() []*Instance {
	items := make([]*Instance, 0, len(v.instances))
	for _, inst := range v.instances {
		if inst != nil {
			items = append(items, inst)
		}
	}
	sortInstances(items)
	return items
}

// All returns every instance of one layer.
func (v *View) All(layer string) []*Instance {
	items := make([]*Instance, 0)
	for _, inst := range v.instances {
		if inst != nil && inst.Layer == layer {
			items = append(items, inst)
		}
	}
	sortInstances(items)
	return items
}

// Select returns the instances of a layer overlapping [begin, end). A zero-width
// instance overlaps when it sits inside the range, or at its end when that is the text end.
func (v *View) Select(layer string, begin, end int) []*Instance {
	items := make([]*Instance, 0)
	for _, inst := range v.instances {
		if inst == nil || inst.Layer != layer {
			continue
		}
		if v.overlaps(inst, begin, end) {
			items = append(items, inst)
		}
	}
	sortInstances(items)
	return items
}

func (v *View) overlaps(inst *Instance, begin, end int) bool {
	if inst.Begin == inst.End {
		p := inst.Begin
		return p >= begin && (p < end || (p == end && p == len(v.text)))
	}
	return inst.Begin < end && inst.End > begin
}

// Clone copies the view under a new identity. Addresses are preserved, handles are not:
// use HandleAt on the clone to translate.
func (v *View) Clone(owner Participant) *View {
	clone := &View{
		DocumentID:    v.DocumentID,
		DocumentName:  v.DocumentName,
		ProjectID:     v.ProjectID,
		Owner:         owner,
		Initial:       v.Initial,
		SchemaVersion: v.SchemaVersion,
		id:            ViewID(viewSeq.Add(1)),
		text:          v.text,
		instances:     make([]*Instance, len(v.instances)),
	}
	rebind := func(h Handle) Handle {
		if h.IsZero() {
			return h
		}
		return Handle{view: clone.id, index: h.index}
	}
	for i, inst := range v.instances {
		if inst == nil {
			continue
		}
		copied := *inst
		copied.Features = make(map[string]string, len(inst.Features))
		for key, value := range inst.Features {
			copied.Features[key] = value
		}
		copied.Source = rebind(inst.Source)
		copied.Target = rebind(inst.Target)
		copied.Chain = rebind(inst.Chain)
		copied.handle = rebind(inst.handle)
		clone.instances[i] = &copied
	}
	return clone
}

func sortInstances(items []*Instance) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Begin != b.Begin {
			return a.Begin < b.Begin
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.handle.index < b.handle.index
	})
}
