package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/storage"
)

var (
	ErrSetNotFound   = errors.New("workspace: set not found")
	ErrTrackNotFound = errors.New("workspace: track not found")
)

// Project is the user's grouping of modules into sets and tracks.
type Project struct {
	Sets []Set `yaml:"sets" json:"sets"`
}

// Set is a named collection of tracks. Activating a set makes one of its
// tracks the active one.
type Set struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name,omitempty" json:"name,omitempty"`
	Tracks []Track `yaml:"tracks" json:"tracks"`
}

// Track lists the modules that run while it is active, in order.
type Track struct {
	ID      string        `yaml:"id" json:"id"`
	Name    string        `yaml:"name,omitempty" json:"name,omitempty"`
	Modules []TrackModule `yaml:"modules" json:"modules"`
}

// TrackModule places a module on a track. The same module may appear on
// several tracks, and even twice on one; each placement is its own instance.
type TrackModule struct {
	Module module.ID `yaml:"module" json:"module"`
	// Label is an optional display name for this placement.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Catalog resolves tracks for the lifecycle coordinator.
type Catalog interface {
	Track(ctx context.Context, setID, trackID string) (Track, error)
}

// DecodeProject parses and validates a project document.
func DecodeProject(r io.Reader) (*Project, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Project
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode project: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that set IDs are unique, track IDs are unique within a
// set, and every module reference is a usable ID.
func (p *Project) Validate() error {
	sets := make(map[string]bool)
	for i, s := range p.Sets {
		if s.ID == "" {
			return fmt.Errorf("set #%d has no id", i)
		}
		if sets[s.ID] {
			return fmt.Errorf("duplicate set id %q", s.ID)
		}
		sets[s.ID] = true
		tracks := make(map[string]bool)
		for j, t := range s.Tracks {
			if t.ID == "" {
				return fmt.Errorf("set %q: track #%d has no id", s.ID, j)
			}
			if tracks[t.ID] {
				return fmt.Errorf("set %q: duplicate track id %q", s.ID, t.ID)
			}
			tracks[t.ID] = true
			for k, m := range t.Modules {
				if err := m.Module.Validate(); err != nil {
					return fmt.Errorf("set %q track %q module #%d: %w", s.ID, t.ID, k, err)
				}
			}
		}
	}
	return nil
}

// Set returns the set with the given ID.
func (p *Project) Set(setID string) (Set, error) {
	for _, s := range p.Sets {
		if s.ID == setID {
			return s, nil
		}
	}
	return Set{}, fmt.Errorf("%w: %s", ErrSetNotFound, setID)
}

// Track returns a track of a set. An empty trackID selects the set's first
// track.
func (p *Project) Track(setID, trackID string) (Track, error) {
	s, err := p.Set(setID)
	if err != nil {
		return Track{}, err
	}
	for _, t := range s.Tracks {
		if trackID == "" || t.ID == trackID {
			return t, nil
		}
	}
	return Track{}, fmt.Errorf("%w: %s/%s", ErrTrackNotFound, setID, trackID)
}

// Project reads the project file. A missing file is an empty project.
func (d *Dir) Project(ctx context.Context) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(d.project)
	if errors.Is(err, os.ErrNotExist) {
		return &Project{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	return DecodeProject(bytes.NewReader(b))
}

// Track implements Catalog. The project file is re-read on every call so
// edits take effect on the next activation.
func (d *Dir) Track(ctx context.Context, setID, trackID string) (Track, error) {
	p, err := d.Project(ctx)
	if err != nil {
		return Track{}, err
	}
	return p.Track(setID, trackID)
}

// WriteProject encodes p to the project file. Concurrent writers, including
// other processes, are serialized by a lock file beside it.
func (d *Dir) WriteProject(ctx context.Context, p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	return storage.WithLock(ctx, d.project+".lock", func() error {
		return storage.AtomicWriteFile(d.project, buf.Bytes(), 0o644)
	})
}
