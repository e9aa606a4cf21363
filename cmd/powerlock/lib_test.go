package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/powerlock/pid"
	"github.com/nasa-jpl/powerlock/stabilizer"
	"github.com/nasa-jpl/powerlock/thorlabs"
)

func mockConfig() Config {
	c := DefaultConfig()
	c.Mock = true
	c.Sim.Latency = 0
	c.Loop.SetpointLimits.Max = 1
	return c
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	c, err := loadConfig(koanf.New("."), filepath.Join(t.TempDir(), "powerlock.yml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestLoadConfigMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "powerlock.yml")
	doc := `Mock: true
Mount:
  Addr: 10.0.0.5:4001
  Serial: false
Loop:
  Setpoint: 0.3
  SampleInterval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	c, err := loadConfig(koanf.New("."), path)
	require.NoError(t, err)
	assert.True(t, c.Mock)
	assert.Equal(t, "10.0.0.5:4001", c.Mount.Addr)
	assert.False(t, c.Mount.Serial)
	assert.Equal(t, thorlabs.DefaultTimeout, c.Mount.Timeout)
	assert.Equal(t, 0.3, c.Loop.Setpoint)
	assert.Equal(t, 250*time.Millisecond, c.Loop.SampleInterval)
	assert.Equal(t, DefaultConfig().Loop.Kp, c.Loop.Kp)
	assert.Equal(t, ":8000", c.Addr)
}

func TestBuildSystemRejects(t *testing.T) {
	c := mockConfig()
	c.Loop.Kp = -1
	_, err := BuildSystem(c)
	assert.ErrorIs(t, err, stabilizer.ErrInvalidConfiguration)

	c = mockConfig()
	c.Mount.Address = "Z"
	_, err = BuildSystem(c)
	assert.ErrorIs(t, err, thorlabs.ErrInvalidAddress)

	c = DefaultConfig()
	c.Mount.Addr = filepath.Join(t.TempDir(), "ttyUSB9")
	_, err = BuildSystem(c)
	assert.ErrorIs(t, err, thorlabs.ErrActuatorUnavailable)
}

func TestMux(t *testing.T) {
	sys, err := BuildSystem(mockConfig())
	require.NoError(t, err)
	defer sys.Close()
	require.NoError(t, sys.Loop.Prepare())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sys.Loop.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := httptest.NewServer(BuildMux(mockConfig(), sys.Loop))
	defer srv.Close()

	_, body := do(t, srv, http.MethodGet, "/endpoints", "")
	var graph map[string][]string
	require.NoError(t, json.Unmarshal([]byte(body), &graph))
	assert.Contains(t, graph["/powerlock"], "/lock")
	assert.Contains(t, graph["/powerlock"], "/setpoint")

	code, _ := do(t, srv, http.MethodPost, "/powerlock/setpoint", `{"f64": 0.4}`)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, srv, http.MethodPost, "/powerlock/lock", `{"bool": true}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, srv, http.MethodPost, "/powerlock/setpoint", `{"f64": 0.6}`)
	assert.Equal(t, http.StatusLocked, code)
	code, body = do(t, srv, http.MethodGet, "/powerlock/setpoint", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"f64": 0.4}`, body)

	code, _ = do(t, srv, http.MethodPost, "/powerlock/lock", `{"bool": false}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, srv, http.MethodPost, "/powerlock/setpoint", `{"f64": 0.6}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.6, sys.Loop.Status().Setpoint)
}

func TestReload(t *testing.T) {
	sys, err := BuildSystem(mockConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sys.Loop.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	path := filepath.Join(t.TempDir(), "powerlock.yml")
	doc := "Loop:\n  Setpoint: 0.7\n  Kp: 0.25\n  Ki: 0.05\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	require.NoError(t, reload(ctx, path, sys.Loop))

	st := sys.Loop.Status()
	assert.Equal(t, 0.7, st.Setpoint)
	assert.Equal(t, pid.Gains{Kp: 0.25, Ki: 0.05}, st.Gains)

	require.NoError(t, os.WriteFile(path, []byte("Loop:\n  Kp: -1\n"), 0o644))
	assert.ErrorIs(t, reload(ctx, path, sys.Loop), stabilizer.ErrInvalidConfiguration)
	assert.Equal(t, 0.25, sys.Loop.Status().Gains.Kp)
}
