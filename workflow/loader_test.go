package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const defaultTicketYAML = `key: default_ticket
version: "1.0.0"
description: Minimal single-stage workflow
workspace_type: none
initial_stage: queued
stages:
  - id: queued
    executor: noop
    transitions:
      - target: running
  - id: running
    executor: noop
    transitions:
      - target: finished
        when: "workflow_input.region == 'eu'"
      - target: review
  - id: review
    executor: noop
`

func writeWorkflow(t *testing.T, dir, key, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, key+".yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%s): %v", key, err)
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "default_ticket", defaultTicketYAML)

	loader := NewLoader(dir, nil)
	def, err := loader.Load("default_ticket")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.Key != "default_ticket" {
		t.Errorf("Key = %q", def.Key)
	}
	if def.InitialStage != "queued" {
		t.Errorf("InitialStage = %q", def.InitialStage)
	}
	if len(def.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(def.Stages))
	}
	if got := def.StageByID("running"); got == nil || len(got.Transitions) != 2 {
		t.Errorf("StageByID(running) = %+v", got)
	}
	if def.StageByID("nope") != nil {
		t.Error("StageByID(nope) should be nil")
	}
}

func TestLoader_MissingKeyDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "implicit", `
initial_stage: only
stages:
  - id: only
    executor: noop
`)

	loader := NewLoader(dir, nil)
	def, err := loader.Load("implicit")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.Key != "implicit" {
		t.Errorf("Key = %q, want filename key", def.Key)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version default = %q", def.Version)
	}
	if def.WorkspaceType != "none" {
		t.Errorf("WorkspaceType default = %q", def.WorkspaceType)
	}
}

func TestLoader_NotFound(t *testing.T) {
	loader := NewLoader(t.TempDir(), nil)
	_, err := loader.Load("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestLoader_CachesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "wf", defaultTicketYAML)

	loader := NewLoader(dir, nil)
	if _, err := loader.Load("wf"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// A cached definition survives file deletion until invalidated.
	if err := os.Remove(filepath.Join(dir, "wf.yaml")); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load("wf"); err != nil {
		t.Fatalf("cached Load() error = %v", err)
	}

	loader.Invalidate("wf")
	if _, err := loader.Load("wf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("post-invalidate Load() error = %v, want ErrNotFound", err)
	}
}

func TestLoader_WatchReturnsAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "wf", defaultTicketYAML)

	loader := NewLoader(dir, nil)
	if _, err := loader.Load("wf"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	done := make(chan struct{})
	defer close(done)

	// Watch sets up the watcher and returns; callers must not block.
	returned := make(chan error, 1)
	go func() { returned <- loader.Watch(done) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after setup")
	}

	// A rewrite on disk drops the cache entry, so the next Load sees the
	// new version.
	updated := strings.Replace(defaultTicketYAML, `version: "1.0.0"`, `version: "2.0.0"`, 1)
	writeWorkflow(t, dir, "wf", updated)

	deadline := time.Now().Add(3 * time.Second)
	for {
		def, err := loader.Load("wf")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if def.Version == "2.0.0" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache still serves version %q after file change", def.Version)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDefinitionValidate(t *testing.T) {
	base := func() *Definition {
		return &Definition{
			Key:          "wf",
			Version:      "1.0.0",
			InitialStage: "a",
			Stages: []StageDefinition{
				{ID: "a", Executor: "noop", Transitions: []StageTransition{{Target: "b"}}},
				{ID: "b", Executor: "noop", Transitions: []StageTransition{{Target: "finished"}}},
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})

	t.Run("unknown initial stage", func(t *testing.T) {
		d := base()
		d.InitialStage = "zzz"
		if err := d.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unknown transition target", func(t *testing.T) {
		d := base()
		d.Stages[0].Transitions[0].Target = "nowhere"
		var verr *ValidationError
		if err := d.Validate(); !errors.As(err, &verr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("finished is always a valid target", func(t *testing.T) {
		d := base()
		d.Stages[0].Transitions[0].Target = TargetFinished
		if err := d.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})

	t.Run("duplicate stage id", func(t *testing.T) {
		d := base()
		d.Stages[1].ID = "a"
		d.Stages[1].Transitions = nil
		if err := d.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("malformed guard rejected at load time", func(t *testing.T) {
		d := base()
		d.Stages[0].Transitions[0].When = "region == 'eu"
		if err := d.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing executor", func(t *testing.T) {
		d := base()
		d.Stages[0].Executor = ""
		if err := d.Validate(); err == nil {
			t.Error("expected error")
		}
	})
}
