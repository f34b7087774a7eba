package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Fatalf("expected default worker concurrency 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Queue.Stream != "stream:jobs" || cfg.Queue.Group != "workers" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Schedule.Enabled {
		t.Fatalf("expected schedule to be disabled by default, got %+v", cfg.Schedule)
	}
	if cfg.Schedule.Cron != "0 2 * * *" {
		t.Fatalf("unexpected schedule.cron default: %q", cfg.Schedule.Cron)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for worker.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.ReclaimMinIdle = cfg.Queue.BlockTimeout - 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for reclaim_min_idle < block_timeout")
	}

	cfg = defaultConfig()
	cfg.Pipeline.StepTimeout = cfg.Pipeline.PipelineTimeout + 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for step_timeout > pipeline_timeout")
	}
}
