package reporter

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SidecarReader reads optional per-session metadata files from a directory:
// <name>.port, <name>.theme and <name>.order.
type SidecarReader struct {
	Dir string
}

// Port returns the dashboard display port for a session, if recorded.
func (r SidecarReader) Port(session string) *int {
	return r.readInt(session, ".port")
}

// Order returns the tab order for a session, if recorded.
func (r SidecarReader) Order(session string) *int {
	return r.readInt(session, ".order")
}

// Theme returns the theme colour for a session, or "".
func (r SidecarReader) Theme(session string) string {
	value, _ := r.read(session, ".theme")
	return value
}

func (r SidecarReader) readInt(session, ext string) *int {
	value, ok := r.read(session, ext)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil
	}
	return &n
}

func (r SidecarReader) read(session, ext string) (string, bool) {
	if r.Dir == "" || !safeSessionName(session) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(r.Dir, session+ext))
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(string(data))
	return value, value != ""
}

func safeSessionName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
