package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeConfig(t *testing.T, root string, cfg Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cicd"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigPath), data, 0644))
}

func TestNewWithoutConfig(t *testing.T) {
	root := t.TempDir()

	r, err := New(root, quietLogger())
	require.NoError(t, err)
	assert.Empty(t, r.Config().BuildSteps)
	assert.DirExists(t, filepath.Join(root, BuildDir))
	assert.DirExists(t, filepath.Join(root, ArtifactsDir))

	assert.NoError(t, r.Run(context.Background()))
}

func TestNewInvalidConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cicd"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigPath), []byte("{"), 0644))

	_, err := New(root, quietLogger())
	assert.Error(t, err)
}

func TestRunStagesInOrder(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, Config{
		BuildSteps:  []Step{{Name: "build", Command: "echo build >> log.txt"}},
		TestSteps:   []Step{{Name: "test", Command: "echo test >> log.txt"}},
		DeploySteps: []Step{{Name: "deploy", Command: "echo deploy >> log.txt"}},
	})

	r, err := New(root, quietLogger())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	log, err := os.ReadFile(filepath.Join(root, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "build\ntest\ndeploy\n", string(log))
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, Config{
		BuildSteps: []Step{
			{Name: "ok", Command: "true"},
			{Name: "broken", Command: "echo oops >&2; false"},
		},
		TestSteps: []Step{{Name: "never", Command: "touch ran-tests"}},
	})

	r, err := New(root, quietLogger())
	require.NoError(t, err)

	err = r.Run(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "build", stepErr.Stage)
	assert.Equal(t, "broken", stepErr.Step)
	assert.Contains(t, stepErr.Output, "oops")
	assert.NoFileExists(t, filepath.Join(root, "ran-tests"))
}

func TestRunScriptSteps(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "deploy.sh"), []byte("#!/bin/sh\ntouch deployed\n"), 0755))

	r, err := NewWithConfig(root, Config{
		DeploySteps: []Step{{Name: "deploy", Script: "deploy.sh"}},
	}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	assert.FileExists(t, filepath.Join(root, "deployed"))

	r, err = NewWithConfig(root, Config{
		DeploySteps: []Step{{Name: "missing", Script: "nope.sh"}},
	}, quietLogger())
	require.NoError(t, err)
	var stepErr *StepError
	require.ErrorAs(t, r.Run(context.Background()), &stepErr)
	assert.Equal(t, "deploy", stepErr.Stage)
}

func TestRunEmptyStepSkipped(t *testing.T) {
	r, err := NewWithConfig(t.TempDir(), Config{BuildSteps: []Step{{Name: "empty"}}}, quietLogger())
	require.NoError(t, err)
	assert.NoError(t, r.Run(context.Background()))
}

func TestRunCancelled(t *testing.T) {
	r, err := NewWithConfig(t.TempDir(), Config{BuildSteps: []Step{{Name: "slow", Command: "sleep 5"}}}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.Run(ctx))
}

func TestCreateArtifact(t *testing.T) {
	root := t.TempDir()
	r, err := NewWithConfig(root, Config{}, quietLogger())
	require.NoError(t, err)

	content := []byte("binary contents")
	src := filepath.Join(root, BuildDir, "app")
	require.NoError(t, os.WriteFile(src, content, 0644))

	artifact, err := r.CreateArtifact(src, "app-v1", map[string]any{"version": "1"})
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.Checksum)
	assert.Equal(t, int64(len(content)), artifact.Size)
	assert.Equal(t, filepath.Join(root, ArtifactsDir, "app-v1"), artifact.Path)

	copied, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, content, copied)

	metaBytes, err := os.ReadFile(artifact.Path + ".meta.json")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, "app-v1", meta["name"])
	assert.Equal(t, artifact.Checksum, meta["checksum"])
	assert.Equal(t, "1", meta["metadata"].(map[string]any)["version"])
}

func TestCreateArtifactErrors(t *testing.T) {
	root := t.TempDir()
	r, err := NewWithConfig(root, Config{}, quietLogger())
	require.NoError(t, err)

	_, err = r.CreateArtifact(filepath.Join(root, "missing"), "x", nil)
	assert.Error(t, err)

	src := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	_, err = r.CreateArtifact(src, "../escape", nil)
	assert.Error(t, err)
}
