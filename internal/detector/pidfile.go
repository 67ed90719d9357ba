package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/prefork/internal/process"
)

// Meta is the optional second line of a pidfile. StartUnix guards against
// pid reuse: a live pid with a different start time is someone else.
type Meta struct {
	StartUnix int64  `json:"start_unix,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Listen    string `json:"listen,omitempty"`
	Admin     string `json:"admin,omitempty"`
}

// WritePIDFile records pid and meta at path, creating parent directories.
// StartUnix is filled in from the process table when zero.
func WritePIDFile(path string, pid int, meta Meta) error {
	if meta.StartUnix == 0 {
		meta.StartUnix = process.StartTime(pid).Unix()
		if meta.StartUnix < 0 {
			meta.StartUnix = 0
		}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return err
	}
	tmp := clean + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, clean)
}

// ReadPIDFile returns the pid and meta stored at path. A missing or
// malformed meta line yields a zero Meta.
func ReadPIDFile(path string) (int, Meta, error) {
	var meta Meta
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if meta.StartUnix > 0 {
		cur := process.StartTime(pid)
		if !cur.IsZero() && cur.Unix() != meta.StartUnix {
			return false, nil // PID reused; not our process
		}
	}
	return process.Alive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return process.Alive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
