// Package pipeline implements the Build Pipeline (spec §4.7): an ordered
// sequence of subprocess steps per job, with per-step and aggregate
// timeouts, line-by-line log forwarding, and between-step cancellation
// polling. Grounded on the buildkite-agent job runner's shape (periodic
// cancellation check, buffered output capture alongside a live log
// streamer) adapted onto the Log Stream and Status Store contracts instead
// of the Buildkite API.
package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/coldforge/ci-controlplane/internal/config"
	"github.com/coldforge/ci-controlplane/internal/job"
	"github.com/coldforge/ci-controlplane/internal/logstream"
	"github.com/coldforge/ci-controlplane/internal/obs"
	"github.com/coldforge/ci-controlplane/internal/statusstore"
)

// StepResult is the per-step outcome (spec §4.7: "name, success flag, exit
// code (or null on non-exit errors), duration in seconds, captured output
// prefix").
type StepResult struct {
	Name         string  `json:"name"`
	Success      bool    `json:"success"`
	ExitCode     *int    `json:"exit_code,omitempty"`
	DurationSecs float64 `json:"duration_seconds"`
	OutputPrefix string  `json:"output_prefix"`
}

// Outcome classifies how a Run ended, driving the worker's terminal status
// computation (spec §4.6 step d).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeStepFailed
	OutcomeExecutionError
	OutcomeTimeout
	OutcomeCancelled
)

// Result is the aggregate pipeline result returned to the worker. It is not
// persisted; what Run stores under artifacts:{id} is the artifact path
// manifest written by collectArtifacts, whether or not a registry is enabled.
type Result struct {
	JobID         string       `json:"job_id"`
	Outcome       Outcome      `json:"-"`
	Success       bool         `json:"success"`
	Message       string       `json:"-"`
	Steps         []StepResult `json:"steps"`
	TotalDuration float64      `json:"total_duration"`
}

// Runner executes the configured step sequence for a job.
type Runner struct {
	cfg     *config.Config
	logs    logstream.Store
	status  statusstore.Store
}

func NewRunner(cfg *config.Config, logs logstream.Store, status statusstore.Store) *Runner {
	return &Runner{cfg: cfg, logs: logs, status: status}
}

// Run executes the reference step set in order, stopping at the first
// failing step or the first cancellation request, subject to a per-step and
// an aggregate pipeline timeout.
func (r *Runner) Run(ctx context.Context, j job.Job) Result {
	workspace := filepath.Join(r.cfg.Pipeline.WorkspaceRoot, j.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return Result{JobID: j.ID, Outcome: OutcomeExecutionError, Message: fmt.Sprintf("execution error: workspace: %v", err)}
	}
	defer os.RemoveAll(workspace)

	pipelineCtx, cancel := context.WithTimeout(ctx, r.cfg.Pipeline.PipelineTimeout)
	defer cancel()

	start := time.Now()
	var results []StepResult

	for _, step := range r.cfg.Pipeline.Steps {
		if r.isRegistryStep(step) && !r.cfg.Pipeline.RegistryEnabled {
			continue
		}

		cancelled, err := r.status.Exists(ctx, statusstore.CancelKey(j.ID))
		if err == nil && cancelled {
			return Result{JobID: j.ID, Outcome: OutcomeCancelled, Message: "cancelled", Steps: results, TotalDuration: time.Since(start).Seconds()}
		}

		sr, err := r.runStep(pipelineCtx, j, step, workspace)
		results = append(results, sr)

		if pipelineCtx.Err() != nil {
			return Result{JobID: j.ID, Outcome: OutcomeTimeout, Message: "timeout exceeded", Steps: results, TotalDuration: time.Since(start).Seconds()}
		}
		if err != nil {
			return Result{JobID: j.ID, Outcome: OutcomeExecutionError, Message: fmt.Sprintf("execution error: %v", err), Steps: results, TotalDuration: time.Since(start).Seconds()}
		}
		if !sr.Success {
			return Result{JobID: j.ID, Outcome: OutcomeStepFailed, Message: fmt.Sprintf("exit code %d", exitCodeOf(sr)), Steps: results, TotalDuration: time.Since(start).Seconds()}
		}
	}

	if err := r.collectArtifacts(ctx, j, workspace); err != nil {
		r2 := Result{JobID: j.ID, Outcome: OutcomeExecutionError, Message: fmt.Sprintf("execution error: %v", err), Steps: results, TotalDuration: time.Since(start).Seconds()}
		return r2
	}

	return Result{JobID: j.ID, Outcome: OutcomeSuccess, Success: true, Steps: results, TotalDuration: time.Since(start).Seconds()}
}

// collectArtifacts matches produced files in the workspace against the
// configured artifact globs and persists the resulting manifest under
// artifacts:{id} (spec §4.7). A no-op when no globs are configured or none
// match.
func (r *Runner) collectArtifacts(ctx context.Context, j job.Job, workspace string) error {
	if len(r.cfg.Pipeline.ArtifactGlobs) == 0 {
		return nil
	}

	var manifest []string
	err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return nil
		}
		for _, pattern := range r.cfg.Pipeline.ArtifactGlobs {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				manifest = append(manifest, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk workspace for artifacts: %w", err)
	}
	if len(manifest) == 0 {
		return nil
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal artifact manifest: %w", err)
	}
	if err := r.status.Set(ctx, statusstore.ArtifactsKey(j.ID), string(payload), statusstore.ArtifactTTL); err != nil {
		return fmt.Errorf("persist artifact manifest: %w", err)
	}
	return nil
}

func exitCodeOf(sr StepResult) int {
	if sr.ExitCode == nil {
		return -1
	}
	return *sr.ExitCode
}

func (r *Runner) isRegistryStep(step string) bool {
	for _, s := range r.cfg.Pipeline.RegistrySteps {
		if s == step {
			return true
		}
	}
	return false
}

func (r *Runner) runStep(ctx context.Context, j job.Job, step, workspace string) (StepResult, error) {
	stepCtx, stepCancel := context.WithTimeout(ctx, r.cfg.Pipeline.StepTimeout)
	defer stepCancel()

	command, ok := r.cfg.Pipeline.StepCommands[step]
	if !ok {
		return StepResult{Name: step, Success: false}, fmt.Errorf("no command configured for step %q", step)
	}

	start := time.Now()
	cmd := exec.CommandContext(stepCtx, "sh", "-c", command)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "CI_JOB_ID="+j.ID, "CI_REPO="+j.Repo, "CI_BRANCH="+j.Branch, "CI_COMMIT="+j.Commit)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StepResult{Name: step}, err
	}
	cmd.Stderr = cmd.Stdout // teacher-style combined stream; order preserved by the pipe

	prefix := newCapturingBuffer(r.cfg.Pipeline.OutputCaptureCap)

	if err := cmd.Start(); err != nil {
		return StepResult{Name: step}, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.forwardLines(ctx, j.ID, step, stdout, prefix)
	}()

	waitErr := cmd.Wait()
	<-done

	duration := time.Since(start).Seconds()

	if stepCtx.Err() != nil {
		return StepResult{Name: step, Success: false, DurationSecs: duration, OutputPrefix: prefix.String()}, nil
	}

	exitCode := cmd.ProcessState.ExitCode()
	success := waitErr == nil && exitCode == 0
	var codePtr *int
	if exitCode >= 0 {
		c := exitCode
		codePtr = &c
	}
	return StepResult{Name: step, Success: success, ExitCode: codePtr, DurationSecs: duration, OutputPrefix: prefix.String()}, nil
}

// forwardLines streams stdout line-by-line to the Log Stream while mirroring
// the first OutputCaptureCap bytes into prefix for inclusion in the step
// result (spec §4.7).
func (r *Runner) forwardLines(ctx context.Context, jobID, step string, stdout io.Reader, prefix *capturingBuffer) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		prefix.Write(line)
		fields := map[string]string{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"step":      step,
			"message":   line,
		}
		if _, err := r.logs.Append(ctx, statusstore.LogsKey(jobID), fields); err != nil {
			continue
		}
		obs.LogStreamAppends.Inc()
	}
}
