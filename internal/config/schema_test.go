package config

import (
	"strings"
	"testing"
)

func TestSchemaLookupAndIsKnown(t *testing.T) {
	t.Parallel()
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: "verbose", Type: TypeBool},
		{Key: "watch", Type: TypeBool, Section: "serve"},
	})

	if opt := s.Lookup("", "verbose"); opt == nil || opt.Type != TypeBool {
		t.Fatalf("expected verbose lookup, got %+v", opt)
	}
	if s.Lookup("", "watch") != nil {
		t.Fatal("section option must not be visible globally")
	}
	if !s.IsKnown("serve", "watch") || !s.IsKnown("serve", "verbose") {
		t.Fatal("expected section and global keys to be known in [serve]")
	}
	if s.IsKnown("preview", "watch") {
		t.Fatal("watch belongs to [serve] only")
	}
	if got := s.Sections(); len(got) != 1 || got[0] != "serve" {
		t.Fatalf("unexpected sections %v", got)
	}
}

func TestSchemaDuplicateOverwrites(t *testing.T) {
	t.Parallel()
	s := NewSchema()
	s.Register(ConfigOption{Key: "log.level", Default: "info"})
	s.Register(ConfigOption{Key: "log.level", Default: "warn"})
	if opt := s.Lookup("", "log.level"); opt.Default != "warn" {
		t.Fatalf("expected last registration to win, got %q", opt.Default)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	c := NewConfig()
	c.SetGlobalOption("verbose", "maybe")
	c.SetGlobalOption("http.listen", ":80")
	c.SetGlobalOption("bogus", "1")
	c.SetCommandOption("serve", "watch", "yes")
	c.SetCommandOption("serve", "router.request-timeout", "soon")
	c.SetCommandOption("serve", "nope", "x")

	issues := ValidateConfig(c, DefaultSchema())
	want := []string{
		`global option "verbose": expected bool, got "maybe"`,
		`option "router.request-timeout" in [serve]: expected duration, got "soon"`,
		`unknown global option: "bogus" (value: "1")`,
		`unknown option for command "serve": "nope" (value: "x")`,
	}
	if len(issues) != len(want) {
		t.Fatalf("expected %d issues, got %d: %v", len(want), len(issues), issues)
	}
	joined := strings.Join(issues, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("missing issue %q in %v", w, issues)
		}
	}
}

func TestValidateType(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		typ   OptionType
		value string
		ok    bool
	}{
		{TypeString, "anything at all", true},
		{"", "", true},
		{TypeBool, "on", true},
		{TypeBool, "nah", false},
		{TypeInt, "16384", true},
		{TypeInt, "16k", false},
		{TypeDuration, "250ms", true},
		{TypeDuration, "250", false},
		{"float", "1.5", false},
	} {
		if err := validateType(tc.typ, tc.value); (err == nil) != tc.ok {
			t.Errorf("validateType(%q, %q) = %v, want ok=%v", tc.typ, tc.value, err, tc.ok)
		}
	}
}

func TestSchemaResolve(t *testing.T) {
	s := DefaultSchema()
	c := NewConfig()
	c.SetGlobalOption("log.level", "warn")
	c.SetCommandOption("serve", "log.level", "debug")

	t.Setenv(EnvLogLevel, "")
	if v := s.Resolve(c, "log.level"); v != "" {
		t.Fatalf("an env var set to empty still overrides, got %q", v)
	}
	t.Setenv(EnvLogLevel, "error")
	if v := s.ResolveCommand(c, "serve", "log.level"); v != "error" {
		t.Fatalf("expected env to win, got %q", v)
	}
}

func TestSchemaResolveCommand(t *testing.T) {
	s := DefaultSchema()
	c := NewConfig()
	c.SetGlobalOption("http.listen", ":1")
	c.SetCommandOption("serve", "http.listen", ":2")

	if v := s.ResolveCommand(c, "serve", "http.listen"); v != ":2" {
		t.Fatalf("expected section value, got %q", v)
	}
	if v := s.ResolveCommand(c, "preview", "http.listen"); v != ":1" {
		t.Fatalf("expected global value, got %q", v)
	}
	if v := s.ResolveCommand(c, "serve", "watch"); v != "true" {
		t.Fatalf("expected section default, got %q", v)
	}
	if v := s.ResolveCommand(NewConfig(), "serve", "sandbox.call-timeout"); v != "2s" {
		t.Fatalf("expected global default, got %q", v)
	}
	if v := s.ResolveCommand(c, "serve", "nonexistent"); v != "" {
		t.Fatalf("expected empty for unknown key, got %q", v)
	}
}

func TestDefaultSchemaHelp(t *testing.T) {
	t.Parallel()
	help := DefaultSchema().FormatHelp()
	for _, want := range []string{
		"Global Options:",
		"workspace.dir",
		"env: " + EnvWorkspace,
		"type: duration, default: 5s",
		"[serve] Options:",
		"[introspect] Options:",
	} {
		if !strings.Contains(help, want) {
			t.Errorf("expected %q in help:\n%s", want, help)
		}
	}
	if got := NewSchema().FormatHelp(); got != "" {
		t.Errorf("expected empty help for empty schema, got %q", got)
	}
}
