// Package schema holds per-project layer definitions and upgrades views written under older versions.
package schema

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"concord/api/internal/annotation"
)

const defaultProject = "default"

// DefaultDenylist names layers kept out of comparison scope.
var DefaultDenylist = []string{"Sentence", "CoreferenceChain"}

var ErrUnknownLayer = errors.New("unknown layer")

type file struct {
	Version      int                           `yaml:"version"`
	SegmentLayer string                        `yaml:"segmentLayer"`
	Projects     map[string][]annotation.Layer `yaml:"projects"`
}

type Registry struct {
	version  int
	segment  string
	projects map[string][]annotation.Layer
	deny     map[string]struct{}
}

// Load reads a registry from a YAML file.
func Load(path string, denylist []string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data, denylist)
}

func Parse(data []byte, denylist []string) (*Registry, error) {
	var raw file
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	if raw.Version < 1 {
		raw.Version = 1
	}
	if strings.TrimSpace(raw.SegmentLayer) == "" {
		raw.SegmentLayer = "Sentence"
	}
	for project, layers := range raw.Projects {
		seen := make(map[string]struct{}, len(layers))
		for _, layer := range layers {
			if layer.Name == "" {
				return nil, fmt.Errorf("project %s: layer without name", project)
			}
			if !layer.Kind.Valid() {
				return nil, fmt.Errorf("project %s layer %s: unknown kind %q", project, layer.Name, layer.Kind)
			}
			if _, dup := seen[layer.Name]; dup {
				return nil, fmt.Errorf("project %s: duplicate layer %s", project, layer.Name)
			}
			seen[layer.Name] = struct{}{}
		}
	}
	return New(raw.Version, raw.SegmentLayer, raw.Projects, denylist), nil
}

func New(version int, segmentLayer string, projects map[string][]annotation.Layer, denylist []string) *Registry {
	deny := make(map[string]struct{}, len(denylist))
	for _, name := range denylist {
		name = strings.TrimSpace(name)
		if name != "" {
			deny[name] = struct{}{}
		}
	}
	if projects == nil {
		projects = map[string][]annotation.Layer{}
	}
	return &Registry{version: version, segment: segmentLayer, projects: projects, deny: deny}
}

func (r *Registry) CurrentVersion() int {
	return r.version
}

// SegmentLayer is the layer whose instances delimit curation segments.
func (r *Registry) SegmentLayer() string {
	return r.segment
}

// Layers returns every layer defined for a project, falling back to the default project.
func (r *Registry) Layers(projectID string) []annotation.Layer {
	layers, ok := r.projects[projectID]
	if !ok {
		layers = r.projects[defaultProject]
	}
	out := make([]annotation.Layer, len(layers))
	copy(out, layers)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EntryTypes returns the layers in comparison scope for a project.
func (r *Registry) EntryTypes(projectID string) []annotation.Layer {
	all := r.Layers(projectID)
	out := make([]annotation.Layer, 0, len(all))
	for _, layer := range all {
		if _, denied := r.deny[layer.Name]; denied {
			continue
		}
		out = append(out, layer)
	}
	return out
}

func (r *Registry) Layer(projectID, name string) (annotation.Layer, error) {
	for _, layer := range r.Layers(projectID) {
		if layer.Name == name {
			return layer, nil
		}
	}
	return annotation.Layer{}, fmt.Errorf("%w: %s in project %s", ErrUnknownLayer, name, projectID)
}

// Upgrade fills feature defaults added since the view was written and stamps the current version.
func (r *Registry) Upgrade(_ context.Context, view *annotation.View) error {
	if view == nil {
		return errors.New("upgrade view: nil view")
	}
	if view.SchemaVersion >= r.version {
		return nil
	}
	for _, layer := range r.Layers(view.ProjectID) {
		if len(layer.Defaults) == 0 {
			continue
		}
		keys := make([]string, 0, len(layer.Defaults))
		for key := range layer.Defaults {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, inst := range view.All(layer.Name) {
			for _, key := range keys {
				if _, ok := inst.Feature(key); ok {
					continue
				}
				if err := view.SetFeature(inst.Handle(), key, layer.Defaults[key]); err != nil {
					return fmt.Errorf("upgrade view %s layer %s: %w", view.DocumentID, layer.Name, err)
				}
			}
		}
	}
	view.SchemaVersion = r.version
	return nil
}
