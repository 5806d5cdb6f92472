package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	//check if commands are registered
	assert.Equal(t, 3, len(commands))
}

func run(args ...string) (int, string) {
	var out bytes.Buffer
	c := cli{
		args:   append([]string{"ugen"}, args...),
		stdout: &out,
	}
	return c.run(context.Background()), out.String()
}

func TestUsage(t *testing.T) {
	code, out := run()
	assert.Equal(t, errorExitCode, code)
	assert.Contains(t, out, "render")

	code, _ = run("unknown")
	assert.Equal(t, errorExitCode, code)

	code, _ = run("render", "-gain")
	assert.Equal(t, errorExitCode, code)

	code, out = run("render")
	assert.Equal(t, errorExitCode, code)
	assert.Contains(t, out, "-out")
}

func TestRender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	code, out := run("render", "-out", path, "-duration", "100ms", "-freq", "1000")
	require.Equal(t, successExitCode, code, out)
	assert.Contains(t, out, "ticks: 70")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d := wav.NewDecoder(f)
	require.True(t, d.IsValidFile())
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2*4410, len(buf.Data))
}

func TestPlay(t *testing.T) {
	config := filepath.Join(t.TempDir(), "ugen.yaml")
	require.NoError(t, os.WriteFile(config, []byte("audio: none\nblock_size: 128\n"), 0o644))
	code, out := run("play", "-config", config, "-duration", "50ms")
	require.Equal(t, successExitCode, code, out)
	assert.Contains(t, out, "ticks: ")

	code, _ = run("play", "-audio", "jack", "-duration", "50ms")
	assert.Equal(t, errorExitCode, code)
}
