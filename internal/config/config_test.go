package config_test

import (
	"os"
	"strings"
	"testing"

	"drawline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Delivery.BatchSize != 100 || cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("unexpected delivery defaults: %+v", cfg.Delivery)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("admins: [root]\nevents:\n  default_select_num: 4\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Events.DefaultSelectNum != 4 {
		t.Fatalf("expected select num 4, got %d", cfg.Events.DefaultSelectNum)
	}
	if !cfg.IsAdmin("root") || cfg.IsAdmin("guest") {
		t.Fatalf("unexpected admin resolution")
	}
	if got := cfg.InviteMessage("Swim class"); !strings.Contains(got, "Swim class") {
		t.Fatalf("invite message not rendered: %q", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative capacity": "events:\n  default_max_registration: -1\n",
		"empty message":     "lottery:\n  invite_message: \"\"\n",
		"bad webhook":       "webhooks:\n  - url: not-a-url\n",
		"blank admin":       "admins: [\"\"]\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lottery.InviteMessage == "" {
		t.Fatalf("expected invite message")
	}
}
