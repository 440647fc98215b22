package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.properties")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp properties: %v", err)
	}
	return path
}

func TestLoadParsesKnownKeys(t *testing.T) {
	path := writeTemp(t, `# comment line
password=s3cret

clients = host1:9001, host2
servers=fs1:8000,fs2:8001
root_dir=/var/peerlock/data
`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Password != "s3cret" {
		t.Fatalf("got password %q", p.Password)
	}
	if len(p.Clients) != 2 || p.Clients[0] != "host1:9001" || p.Clients[1] != "host2" {
		t.Fatalf("got clients %+v", p.Clients)
	}
	if len(p.Servers) != 2 {
		t.Fatalf("got servers %+v", p.Servers)
	}
	if p.RootDir != "/var/peerlock/data" {
		t.Fatalf("got root_dir %q", p.RootDir)
	}
}

func TestLoadRejectsMissingPassword(t *testing.T) {
	path := writeTemp(t, "clients=host1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing password")
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, "password=x\nbogus=1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestResolveClientsDefaultsPort(t *testing.T) {
	locs, err := ResolveClients([]string{"alpha", "beta:9100"}, 7000)
	if err != nil {
		t.Fatalf("ResolveClients: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("got %d locations", len(locs))
	}
	if locs[0].Host != "alpha" || locs[0].Port != 7000 {
		t.Fatalf("got %+v, want default port applied", locs[0])
	}
	if locs[1].Host != "beta" || locs[1].Port != 9100 {
		t.Fatalf("got %+v, want explicit port kept", locs[1])
	}
}
