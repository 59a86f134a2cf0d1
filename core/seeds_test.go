package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seeds.json")
	data := []byte(`{"seeds": [{"id": "peer-1", "addrs": ["/ip4/1.2.3.4/tcp/4001"], "roles": 1}]}`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	entries, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("load seed file: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "peer-1" {
		t.Fatalf("unexpected seed entries: %+v", entries)
	}
	if entries[0].Roles != RoleFull {
		t.Fatalf("expected RoleFull, got %v", entries[0].Roles)
	}
}

func TestLoadSeedFileMissing(t *testing.T) {
	if _, err := LoadSeedFile("/nonexistent/path/seeds.json"); err == nil {
		t.Fatalf("expected error for missing seed file")
	}
}

func TestDumpAndRestoreJSON(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertPeer(sampleSnapshot("peer-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.json")
	if err := s.DumpJSON(path); err != nil {
		t.Fatalf("dump json: %v", err)
	}

	s2 := newTestStore(t)
	n, err := s2.RestoreJSON(path)
	if err != nil {
		t.Fatalf("restore json: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored peer, got %d", n)
	}
	got, ok, err := s2.Get("peer-1")
	if err != nil || !ok {
		t.Fatalf("expected restored peer-1 to be found: ok=%v err=%v", ok, err)
	}
	if got.ChainID != "animica-mainnet" {
		t.Fatalf("unexpected restored snapshot: %+v", got)
	}
}
