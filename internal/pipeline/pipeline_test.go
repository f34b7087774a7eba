package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/logstream"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
	"github.com/redis/go-redis/v9"
)

func newTestRunner(t *testing.T) (*Runner, *config.Config, statusstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Pipeline.WorkspaceRoot = t.TempDir()
	cfg.Pipeline.StepTimeout = 5 * time.Second
	cfg.Pipeline.PipelineTimeout = 10 * time.Second
	cfg.Pipeline.RegistryEnabled = false

	logs := logstream.NewRedisStore(client)
	status := statusstore.NewRedisStore(client)
	return NewRunner(cfg, logs, status), cfg, status
}

func TestRunExecutesStepsInOrderAndSucceeds(t *testing.T) {
	r, cfg, _ := newTestRunner(t)
	cfg.Pipeline.Steps = []string{"build", "test"}
	cfg.Pipeline.StepCommands = map[string]string{
		"build": "echo building",
		"test":  "echo testing",
	}

	j := job.New("job-1", "example/repo", "main", "deadbeef", time.Now())
	result := r.Run(context.Background(), j)

	if result.Outcome != OutcomeSuccess || !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(result.Steps))
	}
	if result.Steps[0].Name != "build" || result.Steps[1].Name != "test" {
		t.Fatalf("steps ran out of order: %+v", result.Steps)
	}
}

func TestRunPreservesRawLogLineText(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Pipeline.WorkspaceRoot = t.TempDir()
	cfg.Pipeline.StepTimeout = 5 * time.Second
	cfg.Pipeline.PipelineTimeout = 10 * time.Second
	cfg.Pipeline.Steps = []string{"check"}
	cfg.Pipeline.StepCommands = map[string]string{"check": "echo a && echo b && echo c"}

	logs := logstream.NewRedisStore(client)
	status := statusstore.NewRedisStore(client)
	r := NewRunner(cfg, logs, status)

	j := job.New("job-raw", "example/repo", "main", "deadbeef", time.Now())
	result := r.Run(context.Background(), j)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	entries, err := logs.ReadFrom(context.Background(), statusstore.LogsKey(j.ID), "0", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	want := []string{"a", "b", "c"}
	for i, e := range entries {
		if e.Fields["message"] != want[i] {
			t.Fatalf("expected raw log text %q, got %q", want[i], e.Fields["message"])
		}
	}
}

func TestRunStopsAtFirstFailingStep(t *testing.T) {
	r, cfg, _ := newTestRunner(t)
	cfg.Pipeline.Steps = []string{"build", "test", "deploy"}
	cfg.Pipeline.StepCommands = map[string]string{
		"build":  "echo building",
		"test":   "exit 1",
		"deploy": "echo should-not-run",
	}

	j := job.New("job-2", "example/repo", "main", "deadbeef", time.Now())
	result := r.Run(context.Background(), j)

	if result.Outcome != OutcomeStepFailed {
		t.Fatalf("expected step failure outcome, got %v", result.Outcome)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected the pipeline to stop after the failing step, got %d steps", len(result.Steps))
	}
	if result.Steps[1].Success {
		t.Fatalf("expected the test step to be recorded as failed")
	}
}

func TestRunSkipsDisabledRegistrySteps(t *testing.T) {
	r, cfg, _ := newTestRunner(t)
	cfg.Pipeline.Steps = []string{"build", "publish-image"}
	cfg.Pipeline.StepCommands = map[string]string{
		"build":         "echo building",
		"publish-image": "echo should-not-run",
	}
	cfg.Pipeline.RegistrySteps = []string{"publish-image"}
	cfg.Pipeline.RegistryEnabled = false

	j := job.New("job-3", "example/repo", "main", "deadbeef", time.Now())
	result := r.Run(context.Background(), j)

	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected only the build step to run, got %+v", result.Steps)
	}
}

func TestRunReturnsCancelledWhenMarkerPresent(t *testing.T) {
	r, cfg, status := newTestRunner(t)
	cfg.Pipeline.Steps = []string{"build", "test"}
	cfg.Pipeline.StepCommands = map[string]string{
		"build": "echo building",
		"test":  "echo testing",
	}

	j := job.New("job-4", "example/repo", "main", "deadbeef", time.Now())
	ctx := context.Background()
	if err := status.Set(ctx, statusstore.CancelKey(j.ID), "1", statusstore.JobTTL); err != nil {
		t.Fatal(err)
	}

	result := r.Run(ctx, j)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %v", result.Outcome)
	}
	if len(result.Steps) != 0 {
		t.Fatalf("expected no steps to run once cancelled, got %+v", result.Steps)
	}
}

func TestRunCollectsArtifactsMatchingGlobs(t *testing.T) {
	r, cfg, status := newTestRunner(t)
	cfg.Pipeline.Steps = []string{"build"}
	cfg.Pipeline.StepCommands = map[string]string{
		"build": "mkdir -p dist && echo payload > dist/app.bin && echo notes > README.md",
	}
	cfg.Pipeline.ArtifactGlobs = []string{"dist/**"}

	j := job.New("job-5", "example/repo", "main", "deadbeef", time.Now())
	result := r.Run(context.Background(), j)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	raw, ok, err := status.Get(context.Background(), statusstore.ArtifactsKey(j.ID))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an artifact manifest to be persisted")
	}

	var manifest []string
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		t.Fatal(err)
	}
	if len(manifest) != 1 || manifest[0] != filepath.Join("dist", "app.bin") {
		t.Fatalf("expected only dist/app.bin in the manifest, got %v", manifest)
	}
}

func TestRunRemovesWorkspaceAfterCompletion(t *testing.T) {
	r, cfg, _ := newTestRunner(t)
	cfg.Pipeline.Steps = []string{"build"}
	cfg.Pipeline.StepCommands = map[string]string{"build": "echo hi"}

	j := job.New("job-6", "example/repo", "main", "deadbeef", time.Now())
	r.Run(context.Background(), j)

	workspace := filepath.Join(cfg.Pipeline.WorkspaceRoot, j.ID)
	if _, err := os.Stat(workspace); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed, stat err = %v", err)
	}
}
