package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Sections lists the [section] headers a config file may use. Each names a
// command that reads its options through ResolveCommand.
var Sections = []string{"activate", "introspect", "preview", "serve"}

// Config holds the raw option values of a config file.
type Config struct {
	// Global holds options set before the first section header.
	Global map[string]string
	// Commands holds per-section options, keyed by section then option.
	Commands map[string]map[string]string
	// Warnings collects problems found while loading.
	Warnings []string
}

// NewConfig returns an empty Config.
func NewConfig() *Config {
	return &Config{
		Global:   make(map[string]string),
		Commands: make(map[string]map[string]string),
	}
}

// Load reads the config file at GetConfigPath.
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config file at path. A missing file is an empty
// config. The file itself may not be a symlink.
func LoadFromPath(path string) (*Config, error) {
	fi, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		return NewConfig(), nil
	case err != nil:
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	case fi.Mode()&os.ModeSymlink != 0:
		return nil, fmt.Errorf("symlink not allowed in config path: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses a config file. Each line is "key value", a
// "# comment" or a "[section]" header. Problems are collected as warnings;
// only read errors fail the load.
func LoadFromReader(r io.Reader) (*Config, error) {
	c := NewConfig()
	p := lineParser{config: c, seen: make(map[string]int)}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.line++
		p.parse(strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	for _, issue := range ValidateConfig(c, DefaultSchema()) {
		c.addWarning("%s", issue)
	}
	return c, nil
}

type lineParser struct {
	config *Config
	line   int
	// section is the active header; "" is global.
	section string
	// skipping is set under an unknown header.
	skipping bool
	// seen maps section+"\x00"+key to the line that set it.
	seen map[string]int
}

func (p *lineParser) parse(line string) {
	switch {
	case line == "" || line[0] == '#':
		return
	case line[0] == '[':
		name, ok := strings.CutSuffix(line[1:], "]")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			p.config.addWarning("line %d: malformed section header %q", p.line, line)
			p.skipping = true
			return
		}
		p.section = name
		p.skipping = !slices.Contains(Sections, name)
		if p.skipping {
			p.config.addWarning("line %d: unknown section [%s], its options are ignored", p.line, name)
		}
		return
	}
	if p.skipping {
		return
	}

	key, value, _ := strings.Cut(strings.ReplaceAll(line, "\t", " "), " ")
	value = strings.TrimSpace(value)
	id := p.section + "\x00" + key
	if prev, ok := p.seen[id]; ok {
		p.config.addWarning("line %d: %q repeats line %d, the later value wins", p.line, key, prev)
	}
	p.seen[id] = p.line
	if p.section == "" {
		p.config.SetGlobalOption(key, value)
	} else {
		p.config.SetCommandOption(p.section, key, value)
	}
}

func (c *Config) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	slog.Warn("config warning", "warning", msg)
}

// ParseBool parses a bool option: true/false, yes/no, on/off or 1/0, in
// any case.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value: %s", s)
}

// GetGlobalOption returns a global option.
func (c *Config) GetGlobalOption(name string) (string, bool) {
	v, ok := c.Global[name]
	return v, ok
}

// GetCommandOption returns the option from command's section, or the
// global value when the section does not set it.
func (c *Config) GetCommandOption(command, name string) (string, bool) {
	if v, ok := c.Commands[command][name]; ok {
		return v, true
	}
	return c.GetGlobalOption(name)
}

// SetGlobalOption sets a global option.
func (c *Config) SetGlobalOption(name, value string) {
	c.Global[name] = value
}

// SetCommandOption sets an option in command's section.
func (c *Config) SetCommandOption(command, name, value string) {
	opts := c.Commands[command]
	if opts == nil {
		opts = make(map[string]string)
		c.Commands[command] = opts
	}
	opts[name] = value
}

// GetWarnings returns the warnings collected while loading.
func (c *Config) GetWarnings() []string { return c.Warnings }

// HasWarnings reports whether loading produced any warnings.
func (c *Config) HasWarnings() bool { return len(c.Warnings) > 0 }
