// Package module holds the data model shared by the controller and the
// isolated host: module identifiers, declared method/option shapes,
// introspection results and instance handles.
package module

import (
	"fmt"
	"path"
	"strings"
)

// ID identifies a module definition within a workspace. It is derived from
// the module's path relative to the modules directory, without extension,
// using forward slashes.
type ID string

// IDFromPath derives a module ID from a path relative to the modules
// directory, e.g. "2d/Circles.js" -> "2d/Circles".
func IDFromPath(rel string) ID {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	return ID(strings.TrimSuffix(rel, path.Ext(rel)))
}

// Validate reports whether the ID is usable as a workspace key.
func (id ID) Validate() error {
	s := string(id)
	switch {
	case s == "":
		return fmt.Errorf("empty module id")
	case strings.HasPrefix(s, "/") || strings.Contains(s, ".."):
		return fmt.Errorf("module id %q escapes the modules directory", s)
	}
	return nil
}

// OptionType is the semantic type tag of a method option.
type OptionType string

const (
	OptionNumber    OptionType = "number"
	OptionText      OptionType = "text"
	OptionColor     OptionType = "color"
	OptionBoolean   OptionType = "boolean"
	OptionSelect    OptionType = "select"
	OptionMatrix    OptionType = "matrix"
	OptionAssetFile OptionType = "assetFile"
	OptionAssetDir  OptionType = "assetDir"
)

// Known reports whether t is one of the recognised option types.
func (t OptionType) Known() bool {
	switch t {
	case OptionNumber, OptionText, OptionColor, OptionBoolean, OptionSelect,
		OptionMatrix, OptionAssetFile, OptionAssetDir:
		return true
	}
	return false
}

// OptionDefinition declares one named, typed argument of a module method.
type OptionDefinition struct {
	Name    string     `json:"name"`
	Type    OptionType `json:"type"`
	Default any        `json:"defaultVal,omitempty"`
	Min     *float64   `json:"min,omitempty"`
	Max     *float64   `json:"max,omitempty"`
	// Values lists the allowed values of a select option.
	Values []string `json:"values,omitempty"`
	// Randomize marks the option as eligible for randomisation by the UI.
	Randomize bool `json:"randomizeFromValues,omitempty"`
	// Extensions filters asset pickers, e.g. [".png", ".jpg"].
	Extensions []string `json:"allowExtensions,omitempty"`
}

// MethodDefinition declares a callable method on a module.
type MethodDefinition struct {
	Name          string             `json:"name"`
	ExecuteOnLoad bool               `json:"executeOnLoad"`
	Options       []OptionDefinition `json:"options"`
}

// Option returns the named option, if declared.
func (m MethodDefinition) Option(name string) (OptionDefinition, bool) {
	for _, o := range m.Options {
		if o.Name == name {
			return o, true
		}
	}
	return OptionDefinition{}, false
}

// Defaults returns a fresh map of each option's default value.
func (m MethodDefinition) Defaults() map[string]any {
	out := make(map[string]any, len(m.Options))
	for _, o := range m.Options {
		out[o.Name] = o.Default
	}
	return out
}

// Introspection is the result of validating a module's source. Exactly one
// of the Ok or Err shapes applies: Err is non-empty for a failed validation.
// MtimeMs is always the modification time the result was computed against.
type Introspection struct {
	Name     string             `json:"name,omitempty"`
	Category string             `json:"category,omitempty"`
	Imports  []string           `json:"imports,omitempty"`
	Methods  []MethodDefinition `json:"methods,omitempty"`
	Err      string             `json:"error,omitempty"`
	MtimeMs  int64              `json:"mtimeMs"`
}

// OK reports whether the introspection succeeded.
func (r Introspection) OK() bool { return r.Err == "" }

// Method looks up a declared method by name.
func (r Introspection) Method(name string) (MethodDefinition, bool) {
	for _, m := range r.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDefinition{}, false
}

// Instance is the controller-side handle of a constructed module. The object
// itself lives inside the isolated host that owns Token.
type Instance struct {
	InstanceID string `json:"instanceId"`
	ModuleID   ID     `json:"moduleId"`
	TrackID    string `json:"trackId"`
	Token      string `json:"-"`
}
