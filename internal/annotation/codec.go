package annotation

import (
	"encoding/json"
	"fmt"
)

type viewSnapshot struct {
	DocumentID    string             `json:"documentId"`
	DocumentName  string             `json:"documentName"`
	ProjectID     string             `json:"projectId"`
	Owner         string             `json:"owner,omitempty"`
	Role          Role               `json:"role,omitempty"`
	Initial       bool               `json:"initial,omitempty"`
	SchemaVersion int                `json:"schemaVersion"`
	Text          string             `json:"text"`
	Instances     []instanceSnapshot `json:"instances"`
}

type instanceSnapshot struct {
	Address  int               `json:"address"`
	Layer    string            `json:"layer"`
	Begin    int               `json:"begin"`
	End      int               `json:"end"`
	Features map[string]string `json:"features,omitempty"`
	Source   int               `json:"source,omitempty"`
	Target   int               `json:"target,omitempty"`
	Chain    int               `json:"chain,omitempty"`
}

func (v *View) MarshalJSON() ([]byte, error) {
	snapshot := viewSnapshot{
		DocumentID:    v.DocumentID,
		DocumentName:  v.DocumentName,
		ProjectID:     v.ProjectID,
		Initial:       v.Initial,
		SchemaVersion: v.SchemaVersion,
		Text:          string(v.text),
		Instances:     make([]instanceSnapshot, 0, len(v.instances)),
	}
	if role, ok := v.Owner.Role(); ok {
		snapshot.Role = role
	} else if name, ok := v.Owner.Name(); ok {
		snapshot.Owner = name
	}
	for _, inst := range v.instances {
		if inst == nil {
			continue
		}
		snapshot.Instances = append(snapshot.Instances, instanceSnapshot{
			Address:  inst.handle.index,
			Layer:    inst.Layer,
			Begin:    inst.Begin,
			End:      inst.End,
			Features: inst.Features,
			Source:   inst.Source.index,
			Target:   inst.Target.index,
			Chain:    inst.Chain.index,
		})
	}
	return json.Marshal(snapshot)
}

// UnmarshalJSON rebuilds a view under a fresh identity, keeping every stored address.
func (v *View) UnmarshalJSON(data []byte) error {
	var snapshot viewSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode view: %w", err)
	}

	decoded := View{
		DocumentID:    snapshot.DocumentID,
		DocumentName:  snapshot.DocumentName,
		ProjectID:     snapshot.ProjectID,
		Initial:       snapshot.Initial,
		SchemaVersion: snapshot.SchemaVersion,
		id:            ViewID(viewSeq.Add(1)),
		text:          []rune(snapshot.Text),
	}
	if snapshot.Role != "" {
		decoded.Owner = Synthetic(snapshot.Role)
	} else if snapshot.Owner != "" {
		decoded.Owner = Annotator(snapshot.Owner)
	}

	maxAddress := 0
	for _, item := range snapshot.Instances {
		if item.Address < 1 {
			return fmt.Errorf("decode view: instance address %d must be positive", item.Address)
		}
		if item.Address > maxAddress {
			maxAddress = item.Address
		}
	}
	decoded.instances = make([]*Instance, maxAddress)
	handle := func(address int) Handle {
		if address == 0 {
			return Handle{}
		}
		return Handle{view: decoded.id, index: address}
	}
	for _, item := range snapshot.Instances {
		if decoded.instances[item.Address-1] != nil {
			return fmt.Errorf("decode view: duplicate address %d", item.Address)
		}
		if item.Begin < 0 || item.End < item.Begin || item.End > len(decoded.text) {
			return fmt.Errorf("decode view: %w: address %d [%d,%d)", ErrInvalidOffset, item.Address, item.Begin, item.End)
		}
		features := make(map[string]string, len(item.Features))
		for key, value := range item.Features {
			features[key] = value
		}
		decoded.instances[item.Address-1] = &Instance{
			Layer:    item.Layer,
			Begin:    item.Begin,
			End:      item.End,
			Features: features,
			Source:   handle(item.Source),
			Target:   handle(item.Target),
			Chain:    handle(item.Chain),
			handle:   handle(item.Address),
		}
	}
	for _, inst := range decoded.instances {
		if inst == nil {
			continue
		}
		for _, ref := range []Handle{inst.Source, inst.Target, inst.Chain} {
			if ref.IsZero() {
				continue
			}
			if _, err := decoded.Get(ref); err != nil {
				return fmt.Errorf("decode view: address %d references %d: %w", inst.handle.index, ref.index, err)
			}
		}
	}

	*v = decoded
	return nil
}
