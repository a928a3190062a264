package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/styleforge/internal/domain"
	"github.com/dunamismax/styleforge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inlineEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("WORKER_MODE", "inline")
	t.Setenv("WEBHOOK_URL", "")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := newCLI(&out, io.Discard)
	c.root.SetArgs(args)
	err := c.root.ExecuteContext(context.Background())
	c.close()
	return out.String(), err
}

func writePNG(t *testing.T, dir, name string, fill color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestSubmitInlineWaitsForResult(t *testing.T) {
	inlineEnv(t)
	dir := t.TempDir()
	content := writePNG(t, dir, "content.png", color.RGBA{R: 200, A: 255})
	style := writePNG(t, dir, "style.png", color.RGBA{B: 200, A: 255})

	out, err := run(t, "submit", "--owner", "owner-a", "--content", content, "--style", style, "--poll", "10ms")
	require.NoError(t, err)

	var view domain.JobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Contains(t, *view.Result, "memory://blobs/results/")
}

func TestSubmitRejectsMissingFile(t *testing.T) {
	inlineEnv(t)
	_, err := run(t, "submit", "--owner", "owner-a", "--content", filepath.Join(t.TempDir(), "nope.png"), "--style", "x.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read content image")
}

func TestCommandsRequireOwner(t *testing.T) {
	inlineEnv(t)
	t.Setenv("STYLECTL_OWNER", "")
	for _, args := range [][]string{{"list"}, {"status", "job-1"}, {"delete", "job-1"}} {
		_, err := run(t, args...)
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "--owner")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	inlineEnv(t)
	_, err := run(t, "status", "missing", "--owner", "owner-a")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestListEmptyLibraryAsJSON(t *testing.T) {
	inlineEnv(t)
	out, err := run(t, "list", "--owner", "owner-a", "--json")
	require.NoError(t, err)

	var body struct {
		Jobs []domain.JobView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Empty(t, body.Jobs)
}

func TestSweepWithNothingStale(t *testing.T) {
	inlineEnv(t)
	out, err := run(t, "sweep", "--stale-after", "1m")
	require.NoError(t, err)
	assert.Equal(t, "failed 0 stale job(s)\n", out)
}
