package core

import (
	"encoding/json"
	"os"
)

// SeedEntry is one bootstrap peer listed in a seed file.
type SeedEntry struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
	Roles PeerRole `json:"roles"`
}

// seedFile is the on-disk shape of a seed list: {"seeds": [...]}.
type seedFile struct {
	Seeds []SeedEntry `json:"seeds"`
}

// LoadSeedFile reads a JSON bootstrap seed list from path.
func LoadSeedFile(path string) ([]SeedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StoreError{Op: "load_seed_file", Err: err}
	}
	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, &StoreError{Op: "load_seed_file", Err: err}
	}
	return sf.Seeds, nil
}

// DumpJSON writes every known peer in the store to path as a JSON array of
// snapshots, for offline inspection or migration between store files.
func (s *PeerStore) DumpJSON(path string) error {
	snaps, err := s.ListKnown(ListKnownOptions{OrderBy: "last_seen"})
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return &StoreError{Op: "dump_json", Err: err}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &StoreError{Op: "dump_json", Err: err}
	}
	return nil
}

// RestoreJSON loads a JSON array of snapshots produced by DumpJSON and
// upserts each one into the store.
func (s *PeerStore) RestoreJSON(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, &StoreError{Op: "restore_json", Err: err}
	}
	var snaps []PeerSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return 0, &StoreError{Op: "restore_json", Err: err}
	}
	for _, snap := range snaps {
		if err := s.UpsertPeer(snap); err != nil {
			return 0, err
		}
	}
	return len(snaps), nil
}
