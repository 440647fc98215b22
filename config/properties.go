// Package config loads the peer node's flat properties file and exposes the
// values the spec's CLI surface needs (spec.md §6). Grounded on
// zot-p2p-webapp's cmd/p2p-webapp/main.go cobra wiring for the flag side;
// the properties-file format itself has no analogue in that repo or in the
// teacher, so the key=value/#-comment scanner below is a direct,
// spec-literal implementation over bufio.Scanner.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Properties holds the parsed contents of a peer node's properties file
// (spec.md §6's "Configuration").
type Properties struct {
	Password string
	Clients  []string // comma-separated host[:port] entries, port defaults to local listening port
	Servers  []string // host:port list of file servers; consumed by the out-of-scope client driver
	RootDir  string   // file server's managed directory; consumed by the out-of-scope file service
}

// Load parses a flat key=value properties file. Lines starting with '#'
// (after leading whitespace is trimmed) are comments; blank lines are
// skipped. No escape sequences are supported, matching spec.md §6.
func Load(path string) (*Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	p := &Properties{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: missing '=' in %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "password":
			p.Password = value
		case "clients":
			p.Clients = splitCSV(value)
		case "servers":
			p.Servers = splitCSV(value)
		case "root_dir":
			p.RootDir = value
		default:
			return nil, fmt.Errorf("config: %s:%d: unknown key %q", path, lineNo, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if p.Password == "" {
		return nil, fmt.Errorf("config: %s: %q is required", path, "password")
	}
	return p, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
