package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-tryon-backend/internal/app"
	"github.com/tbourn/go-tryon-backend/internal/config"
	"github.com/tbourn/go-tryon-backend/internal/imaging"
)

type echoGen struct{}

func (echoGen) Generate(_ context.Context, garment, _ []byte, _ string) ([]byte, error) {
	return garment, nil
}

func testEnv(t *testing.T) *RootOptions {
	t.Helper()
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "tryon.db"))
	t.Setenv("EVENTS_BACKEND", config.EventsNone)
	t.Setenv("TRYON_USER", "")
	return &RootOptions{App: app.Options{Generator: echoGen{}}, LogOut: io.Discard}
}

func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	cmd := newRoot(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
	return path
}

func TestRender(t *testing.T) {
	v := struct {
		UserID string `json:"user_id"`
		Count  int    `json:"count"`
	}{"u1", 2}

	var buf bytes.Buffer
	require.NoError(t, render(&buf, FormatJSON, v))
	assert.JSONEq(t, `{"user_id":"u1","count":2}`, buf.String())

	buf.Reset()
	require.NoError(t, render(&buf, FormatYAML, v))
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "u1", back["user_id"])
	assert.Equal(t, 2, back["count"])
}

func TestLoadRef(t *testing.T) {
	for _, ref := range []string{"", "https://x/a.png", "http://x/a.png", "data:image/png;base64,AA=="} {
		got, err := loadRef(ref)
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	}

	got, err := loadRef(writePNG(t, 3, 3))
	require.NoError(t, err)
	mime, data, err := imaging.DecodeDataURL(got)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	w, h, err := imaging.Dimensions(data)
	require.NoError(t, err)
	assert.Equal(t, 3, w)
	assert.Equal(t, 3, h)

	_, err = loadRef(filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRoot_RejectsUnknownOutput(t *testing.T) {
	_, err := execute(t, testEnv(t), "usage", "--user", "u1", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output")
}

func TestGenerateUsageHistory(t *testing.T) {
	opts := testEnv(t)
	img := writePNG(t, 20, 10)
	saved := filepath.Join(t.TempDir(), "out.jpg")

	out, err := execute(t, opts, "generate", "--user", "u1", "--clothing", img, "--person", img, "--save", saved, "-o", "yaml")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res["id"])
	assert.Contains(t, res["generatedImage"], "byte data URL")

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	w, h, err := imaging.Dimensions(data)
	require.NoError(t, err)
	assert.Equal(t, 20, w)
	assert.Equal(t, 10, h)

	t.Setenv("TRYON_USER", "u1")
	out, err = execute(t, opts, "usage")
	require.NoError(t, err)
	var usage map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.Equal(t, float64(1), usage["count"])

	out, err = execute(t, opts, "history")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0]["status"])
	assert.True(t, strings.HasPrefix(rows[0]["generated_image_url"].(string), "<"))
}

func TestGenerate_Errors(t *testing.T) {
	opts := testEnv(t)

	_, err := execute(t, opts, "generate", "--user", "u1")
	require.Error(t, err, "clothing is required")

	_, err = execute(t, opts, "generate", "--clothing", writePNG(t, 4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestServe_HealthAndShutdown(t *testing.T) {
	opts := testEnv(t)
	opts.EnvFile = ""

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, opts, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
