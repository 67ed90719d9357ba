package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/prefork/internal/lock"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Mode != ModeHandoff || c.Server.Port != 7000 {
		t.Fatalf("unexpected server defaults: %+v", c.Server)
	}
	if c.Server.MaxProc != 64 || c.Server.MaxIdle != 5 || c.Server.MinIdle != 1 {
		t.Fatalf("unexpected pool bounds: %+v", c.Server)
	}
	if c.Admin.Framework != FrameworkGin || c.Admin.BasePath != "/api" {
		t.Fatalf("unexpected admin defaults: %+v", c.Admin)
	}
	if c.Server.Lock.Kind != lock.KindNone {
		t.Fatalf("unexpected lock: %+v", c.Server.Lock)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "prefork.toml", `
[server]
mode = "leader"
bind_ip = "127.0.0.1"
port = 8080
service = "echo"
max_proc = 10
min_idle = 2
max_idle = 4
max_requests_per_proc = 100
idle_timeout = "30s"
  [server.lock]
  kind = "file"
  path = "/tmp/prefork.lock"

[datum]
service = "upper"
max_proc = 5

[admin]
enabled = true
listen = "127.0.0.1:9090"
framework = "echo"
base_path = "admin/"

[history]
sinks = ["sqlite:///tmp/h.db"]

[log]
level = "debug"
format = "json"

[worker]
env = ["A=1"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := c.Server
	if s.Mode != ModeLeader || s.BindIP != "127.0.0.1" || s.Port != 8080 || s.Service != "echo" {
		t.Fatalf("unexpected server: %+v", s)
	}
	if s.MaxProc != 10 || s.MinIdle != 2 || s.MaxIdle != 4 || s.MaxRequestsPerProc != 100 {
		t.Fatalf("unexpected bounds: %+v", s)
	}
	if s.IdleTimeout != 30*time.Second {
		t.Fatalf("idle_timeout: %v", s.IdleTimeout)
	}
	if s.Lock.Kind != lock.KindFile || s.Lock.Path != "/tmp/prefork.lock" {
		t.Fatalf("lock: %+v", s.Lock)
	}
	if c.Datum.Service != "upper" || c.Datum.MaxProc != 5 {
		t.Fatalf("datum: %+v", c.Datum)
	}
	if c.Admin.Framework != FrameworkEcho || c.Admin.BasePath != "/admin" {
		t.Fatalf("admin: %+v", c.Admin)
	}
	if len(c.History.Sinks) != 1 || c.Log.Format != "json" || len(c.Worker.Env) != 1 {
		t.Fatalf("unexpected: %+v", c)
	}

	lc := c.Loop(nil, nil, nil)
	if lc.Args.MaxProc != 10 || lc.Service != "echo" || lc.Lock.Kind != lock.KindFile {
		t.Fatalf("loop config: %+v", lc)
	}
	dc := c.Dispatcher(nil, nil, nil)
	if dc.Service != "upper" || dc.MaxProc != 5 {
		t.Fatalf("dispatcher config: %+v", dc)
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "prefork.yaml", `
server:
  mode: threaded
  threads_per_proc: 16
  service: echo
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Mode != ModeThreaded || c.Server.ThreadsPerProc != 16 {
		t.Fatalf("unexpected server: %+v", c.Server)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "prefork.toml", "[server]\nport = 8080\n")
	t.Setenv("PREFORK_SERVER_PORT", "9191")
	t.Setenv("PREFORK_SERVER_MODE", "threaded")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Port != 9191 || c.Server.Mode != ModeThreaded {
		t.Fatalf("env override not applied: %+v", c.Server)
	}
}

func TestNormalizeBounds(t *testing.T) {
	p := writeFile(t, "prefork.toml", "[server]\nmax_proc = 0\nmin_idle = 6\nmax_idle = 2\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.MinIdle != 6 || c.Server.MaxIdle != 6 || c.Server.MaxProc != 6 {
		t.Fatalf("bounds not normalized: %+v", c.Server)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"mode":        "[server]\nmode = \"bogus\"\n",
		"port":        "[server]\nport = 70000\n",
		"lock":        "[server]\n[server.lock]\nkind = \"file\"\n",
		"framework":   "[admin]\nenabled = true\nframework = \"chi\"\n",
		"hash":        "[admin]\nenabled = true\n[admin.auth]\nusername = \"a\"\npassword_hash = \"plain\"\n",
		"user":        "[admin]\nenabled = true\n[admin.auth]\npassword_hash = \"$2a$10$abc\"\n",
		"jwt":         "[admin]\nenabled = true\n[admin.auth]\njwt_secret = \"short\"\n",
		"tls":         "[admin]\nenabled = true\n[admin.tls]\nenabled = true\n",
		"tls-pair":    "[admin]\nenabled = true\n[admin.tls]\nenabled = true\ncert_file = \"a.crt\"\n",
		"sink":        "[history]\nsinks = [\"\"]\n",
		"level":       "[log]\nlevel = \"loud\"\n",
		"max-request": "[server]\nmax_requests_per_proc = -1\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "c.toml", data)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWorkerEnviron(t *testing.T) {
	dotenv := writeFile(t, ".env", "A=1\n#comment\nB=two\n\n")
	w := WorkerConfig{EnvFiles: []string{dotenv}, Env: []string{"B=three", "C=4", "broken"}}
	got, err := w.Environ()
	if err != nil {
		t.Fatalf("environ: %v", err)
	}
	want := []string{"A=1", "B=three", "C=4"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLoadEnvFileInvalidPath(t *testing.T) {
	if _, err := LoadEnvFile("/definitely/not/exist.env"); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
