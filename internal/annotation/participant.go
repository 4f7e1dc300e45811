package annotation

import "sort"

// Role names a synthetic participant that is not a real annotator.
type Role string

const (
	RoleCuration   Role = "CURATION"
	RoleCorrection Role = "CORRECTION"
)

// Participant is either a real annotator or a synthetic role. The zero value is invalid.
// Callers must go through Name or Role to find out which one they hold.
type Participant struct {
	role Role
	name string
}

func Annotator(name string) Participant {
	return Participant{name: name}
}

func Synthetic(role Role) Participant {
	return Participant{role: role}
}

// Name returns the annotator's username; ok is false for synthetic roles.
func (p Participant) Name() (string, bool) {
	if p.role != "" {
		return "", false
	}
	return p.name, true
}

// Role returns the synthetic role; ok is false for real annotators.
func (p Participant) Role() (Role, bool) {
	if p.role == "" {
		return "", false
	}
	return p.role, true
}

func (p Participant) IsSynthetic() bool {
	return p.role != ""
}

func (p Participant) IsZero() bool {
	return p.role == "" && p.name == ""
}

// String is for display and logging only; it is not a lookup key.
func (p Participant) String() string {
	if p.role != "" {
		return "[" + string(p.role) + "]"
	}
	return p.name
}

// Annotators wraps usernames as participants.
func Annotators(names ...string) []Participant {
	items := make([]Participant, 0, len(names))
	for _, name := range names {
		items = append(items, Annotator(name))
	}
	return items
}

// SortParticipants orders annotators by name, followed by synthetic roles by role name.
func SortParticipants(items []Participant) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.IsSynthetic() != b.IsSynthetic() {
			return !a.IsSynthetic()
		}
		if a.role != b.role {
			return a.role < b.role
		}
		return a.name < b.name
	})
}
