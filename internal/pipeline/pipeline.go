// Package pipeline runs a node's local build/test/deploy steps and packages
// build outputs as checksummed artifacts.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	ConfigPath   = ".cicd/config.json"
	BuildDir     = "build"
	ArtifactsDir = "artifacts"
)

type Step struct {
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
	Script  string `json:"script,omitempty"`
}

type Config struct {
	BuildSteps  []Step         `json:"build_steps"`
	TestSteps   []Step         `json:"test_steps"`
	DeploySteps []Step         `json:"deploy_steps"`
	Notify      map[string]any `json:"notifications,omitempty"`
}

// StepError reports the step that stopped a pipeline.
type StepError struct {
	Stage  string
	Step   string
	Output string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step %q failed: %v", e.Stage, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type Artifact struct {
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	Checksum  string         `json:"checksum"`
	Size      int64          `json:"size"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

type Runner struct {
	root   string
	config Config
	log    *logrus.Entry
}

// LoadConfig reads <root>/.cicd/config.json. A missing file yields an empty
// pipeline.
func LoadConfig(root string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(root, ConfigPath))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	return cfg, nil
}

// New loads the pipeline for the project at root and creates its build and
// artifacts directories.
func New(root string, logger *logrus.Logger) (*Runner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid project root: %w", err)
	}
	cfg, err := LoadConfig(abs)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(abs, cfg, logger)
}

func NewWithConfig(root string, cfg Config, logger *logrus.Logger) (*Runner, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	for _, dir := range []string{BuildDir, ArtifactsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &Runner{
		root:   root,
		config: cfg,
		log:    logger.WithFields(logrus.Fields{"component": "pipeline", "root": root}),
	}, nil
}

func (r *Runner) Config() Config {
	return r.config
}

// Run executes the build, test and deploy stages in order. The first failing
// step stops the pipeline.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting pipeline")
	stages := []struct {
		name  string
		steps []Step
	}{
		{"build", r.config.BuildSteps},
		{"test", r.config.TestSteps},
		{"deploy", r.config.DeploySteps},
	}
	for _, stage := range stages {
		if err := r.RunStage(ctx, stage.name, stage.steps); err != nil {
			r.log.WithError(err).Error("Pipeline failed")
			return err
		}
	}
	r.log.Info("Pipeline completed successfully")
	return nil
}

func (r *Runner) RunStage(ctx context.Context, stage string, steps []Step) error {
	r.log.WithField("stage", stage).Infof("Running %d %s steps", len(steps), stage)
	for _, step := range steps {
		if err := r.runStep(ctx, stage, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, stage string, step Step) error {
	name := step.Name
	if name == "" {
		name = "unnamed"
	}
	log := r.log.WithFields(logrus.Fields{"stage": stage, "step": name})

	var cmd *exec.Cmd
	switch {
	case step.Command != "":
		cmd = exec.CommandContext(ctx, "sh", "-c", step.Command)
	case step.Script != "":
		script := filepath.Join(r.root, step.Script)
		if _, err := os.Stat(script); err != nil {
			return &StepError{Stage: stage, Step: name, Err: fmt.Errorf("script not found: %w", err)}
		}
		cmd = exec.CommandContext(ctx, script)
	default:
		log.Warn("Step has neither command nor script, skipping")
		return nil
	}

	log.Info("Running step")
	var out bytes.Buffer
	cmd.Dir = r.root
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		log.WithError(err).Errorf("Step failed: %s", out.String())
		return &StepError{Stage: stage, Step: name, Output: out.String(), Err: err}
	}
	log.Debugf("Step output: %s", out.String())
	return nil
}

// CreateArtifact copies src into the artifacts directory under name and
// writes <name>.meta.json beside it.
func (r *Runner) CreateArtifact(src, name string, metadata map[string]any) (Artifact, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if name == "" || filepath.Base(name) != name {
		return Artifact{}, fmt.Errorf("invalid artifact name %q", name)
	}

	in, err := os.Open(src)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to open artifact source: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(r.root, ArtifactsDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create artifact: %w", err)
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to copy artifact: %w", err)
	}

	artifact := Artifact{
		Name:      name,
		Path:      dst,
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
		Size:      size,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	meta, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	if err := os.WriteFile(dst+".meta.json", meta, 0644); err != nil {
		return Artifact{}, fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"artifact": name,
		"checksum": artifact.Checksum,
		"size":     size,
	}).Info("Created artifact")
	return artifact, nil
}
