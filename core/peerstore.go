package core

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const peerStoreSchema = `
CREATE TABLE IF NOT EXISTS peers (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	roles       INTEGER NOT NULL DEFAULT 0,
	caps        TEXT NOT NULL DEFAULT '[]',
	first_seen  REAL NOT NULL,
	last_seen   REAL NOT NULL,
	rtt_ms      REAL NOT NULL DEFAULT 0,
	score       REAL NOT NULL DEFAULT 0,
	head_height INTEGER NOT NULL DEFAULT 0,
	chain_id    TEXT NOT NULL DEFAULT '',
	alg_root    BLOB,
	snapshot    TEXT
);

CREATE TABLE IF NOT EXISTS peer_addresses (
	peer_id TEXT NOT NULL REFERENCES peers(id) ON DELETE CASCADE,
	addr    TEXT NOT NULL,
	PRIMARY KEY (peer_id, addr)
);

CREATE INDEX IF NOT EXISTS idx_peers_status ON peers(status);
CREATE INDEX IF NOT EXISTS idx_peers_score ON peers(score);
CREATE INDEX IF NOT EXISTS idx_peer_addresses_addr ON peer_addresses(addr);
`

var orderByColumns = map[string]string{
	"score":     "score DESC",
	"last_seen": "last_seen DESC",
	"rtt_ms":    "rtt_ms ASC",
}

// PeerStore persists peer records to a single-file SQLite database, using
// the journaling pragmas the reference store relies on for concurrent
// read/write safety under one writer.
type PeerStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenPeerStore opens (creating if absent) a peer store at path. Pass
// ":memory:" for an ephemeral store, used in tests.
func OpenPeerStore(path string) (*PeerStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &StoreError{Op: "pragma", Err: err}
		}
	}
	if _, err := db.Exec(peerStoreSchema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	return &PeerStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *PeerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// UpsertPeer inserts or fully replaces a peer row from a snapshot.
func (s *PeerStore) UpsertPeer(snap PeerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	capsJSON, err := json.Marshal(snap.Caps)
	if err != nil {
		return &StoreError{Op: "upsert_peer", Err: err}
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return &StoreError{Op: "upsert_peer", Err: err}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &StoreError{Op: "upsert_peer", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO peers (id, status, roles, caps, first_seen, last_seen, rtt_ms, score, head_height, chain_id, alg_root, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, roles=excluded.roles, caps=excluded.caps,
			last_seen=excluded.last_seen, rtt_ms=excluded.rtt_ms, score=excluded.score,
			head_height=excluded.head_height, chain_id=excluded.chain_id,
			alg_root=excluded.alg_root, snapshot=excluded.snapshot
	`,
		snap.ID, string(snap.Status), uint32(snap.Roles), string(capsJSON),
		float64(snap.FirstSeen.UnixNano())/1e9, float64(snap.LastSeen.UnixNano())/1e9,
		snap.RTTMs, snap.Score, snap.HeadHeight, snap.ChainID, snap.AlgRoot, string(snapJSON),
	)
	if err != nil {
		return &StoreError{Op: "upsert_peer", Err: err}
	}

	if _, err := tx.Exec(`DELETE FROM peer_addresses WHERE peer_id = ?`, snap.ID); err != nil {
		return &StoreError{Op: "upsert_peer", Err: err}
	}
	for _, addr := range snap.Addrs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO peer_addresses (peer_id, addr) VALUES (?, ?)`, snap.ID, addr); err != nil {
			return &StoreError{Op: "upsert_peer", Err: err}
		}
	}
	return tx.Commit()
}

// RecordSeen bumps last_seen for an existing peer.
func (s *PeerStore) RecordSeen(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET last_seen = ?, snapshot = json_set(snapshot, '$.LastSeen', ?) WHERE id = ?`,
		float64(at.UnixNano())/1e9, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return &StoreError{Op: "record_seen", Err: err}
	}
	return nil
}

// RecordConnection sets status to connected.
func (s *PeerStore) RecordConnection(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET status = ?, last_seen = ?, snapshot = json_set(snapshot, '$.Status', ?, '$.LastSeen', ?) WHERE id = ?`,
		string(StatusConnected), float64(at.UnixNano())/1e9, string(StatusConnected), at.Format(time.RFC3339Nano), id)
	if err != nil {
		return &StoreError{Op: "record_connection", Err: err}
	}
	return nil
}

// RecordDisconnection sets status to disconnected unless already banned.
func (s *PeerStore) RecordDisconnection(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET status = ?, snapshot = json_set(snapshot, '$.Status', ?) WHERE id = ? AND status != ?`,
		string(StatusDisconnected), string(StatusDisconnected), id, string(StatusBanned))
	if err != nil {
		return &StoreError{Op: "record_disconnection", Err: err}
	}
	return nil
}

// NoteRTTSample folds an RTT sample into the stored EWMA (alpha default
// 0.2), matching the reference store's note_rtt_sample.
func (s *PeerStore) NoteRTTSample(id string, sampleMs, alpha float64) error {
	if alpha <= 0 {
		alpha = 0.2
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET rtt_ms = rtt_ms * (1 - ?) + ? * ?, snapshot = json_set(snapshot, '$.RTTMs', rtt_ms * (1 - ?) + ? * ?) WHERE id = ?`,
		alpha, alpha, sampleMs, alpha, alpha, sampleMs, id)
	if err != nil {
		return &StoreError{Op: "note_rtt_sample", Err: err}
	}
	return nil
}

// UpdateScoreSnapshot persists a freshly computed score.
func (s *PeerStore) UpdateScoreSnapshot(id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET score = ?, snapshot = json_set(snapshot, '$.Score', ?) WHERE id = ?`, score, score, id)
	if err != nil {
		return &StoreError{Op: "update_score_snapshot", Err: err}
	}
	return nil
}

// UpdateHeadHeight persists the peer's last-advertised chain head height.
func (s *PeerStore) UpdateHeadHeight(id string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET head_height = ?, snapshot = json_set(snapshot, '$.HeadHeight', ?) WHERE id = ?`, height, height, id)
	if err != nil {
		return &StoreError{Op: "update_head_height", Err: err}
	}
	return nil
}

// Ban marks a peer terminally banned.
func (s *PeerStore) Ban(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE peers SET status = ?, snapshot = json_set(snapshot, '$.Status', ?) WHERE id = ?`, string(StatusBanned), string(StatusBanned), id)
	if err != nil {
		return &StoreError{Op: "ban", Err: err}
	}
	return nil
}

// Forget deletes a peer and its addresses entirely.
func (s *PeerStore) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM peers WHERE id = ?`, id)
	if err != nil {
		return &StoreError{Op: "forget", Err: err}
	}
	return nil
}

func (s *PeerStore) rowToPeer(rows *sql.Rows) (PeerSnapshot, error) {
	var (
		id, status, capsJSON, chainID string
		roles                         uint32
		firstSeen, lastSeen           float64
		rttMs, score                  float64
		headHeight                    uint64
		algRoot                       []byte
		snapJSON                      sql.NullString
	)
	if err := rows.Scan(&id, &status, &roles, &capsJSON, &firstSeen, &lastSeen, &rttMs, &score, &headHeight, &chainID, &algRoot, &snapJSON); err != nil {
		return PeerSnapshot{}, err
	}
	if snapJSON.Valid && snapJSON.String != "" {
		var snap PeerSnapshot
		if err := json.Unmarshal([]byte(snapJSON.String), &snap); err == nil {
			return snap, nil
		}
	}
	var caps []string
	json.Unmarshal([]byte(capsJSON), &caps)
	return PeerSnapshot{
		ID:         id,
		Roles:      PeerRole(roles),
		Caps:       caps,
		Status:     PeerStatus(status),
		FirstSeen:  time.Unix(0, int64(firstSeen*1e9)),
		LastSeen:   time.Unix(0, int64(lastSeen*1e9)),
		RTTMs:      rttMs,
		Score:      score,
		HeadHeight: headHeight,
		ChainID:    chainID,
		AlgRoot:    algRoot,
	}, nil
}

// Get returns a single peer's snapshot, or false if not found.
func (s *PeerStore) Get(id string) (PeerSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, status, roles, caps, first_seen, last_seen, rtt_ms, score, head_height, chain_id, alg_root, snapshot FROM peers WHERE id = ?`, id)
	if err != nil {
		return PeerSnapshot{}, false, &StoreError{Op: "get", Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return PeerSnapshot{}, false, nil
	}
	snap, err := s.rowToPeer(rows)
	if err != nil {
		return PeerSnapshot{}, false, &StoreError{Op: "get", Err: err}
	}
	return snap, true, nil
}

// FindByAddress looks up a peer by one of its known addresses.
func (s *PeerStore) FindByAddress(addr string) (PeerSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT p.id, p.status, p.roles, p.caps, p.first_seen, p.last_seen, p.rtt_ms, p.score, p.head_height, p.chain_id, p.alg_root, p.snapshot
		FROM peers p JOIN peer_addresses a ON a.peer_id = p.id
		WHERE a.addr = ? LIMIT 1
	`, addr)
	if err != nil {
		return PeerSnapshot{}, false, &StoreError{Op: "find_by_address", Err: err}
	}
	defer rows.Close()
	if !rows.Next() {
		return PeerSnapshot{}, false, nil
	}
	snap, err := s.rowToPeer(rows)
	if err != nil {
		return PeerSnapshot{}, false, &StoreError{Op: "find_by_address", Err: err}
	}
	return snap, true, nil
}

// ListKnownOptions filters and orders a ListKnown query.
type ListKnownOptions struct {
	Limit      int
	MinScore   *float64
	StatusIn   []PeerStatus
	OrderBy    string // "score", "last_seen", or "rtt_ms"
}

// ListKnown returns peer snapshots matching the given filters.
func (s *PeerStore) ListKnown(opts ListKnownOptions) ([]PeerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := strings.Builder{}
	query.WriteString(`SELECT id, status, roles, caps, first_seen, last_seen, rtt_ms, score, head_height, chain_id, alg_root, snapshot FROM peers WHERE 1=1`)
	var args []interface{}

	if opts.MinScore != nil {
		query.WriteString(` AND score >= ?`)
		args = append(args, *opts.MinScore)
	}
	if len(opts.StatusIn) > 0 {
		placeholders := make([]string, len(opts.StatusIn))
		for i, st := range opts.StatusIn {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query.WriteString(` AND status IN (` + strings.Join(placeholders, ",") + `)`)
	}

	orderCol, ok := orderByColumns[opts.OrderBy]
	if !ok {
		orderCol = orderByColumns["score"]
	}
	query.WriteString(` ORDER BY ` + orderCol)

	if opts.Limit > 0 {
		query.WriteString(fmt.Sprintf(` LIMIT %d`, opts.Limit))
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, &StoreError{Op: "list_known", Err: err}
	}
	defer rows.Close()

	var out []PeerSnapshot
	for rows.Next() {
		snap, err := s.rowToPeer(rows)
		if err != nil {
			return nil, &StoreError{Op: "list_known", Err: err}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListAddresses returns all known addresses for a peer.
func (s *PeerStore) ListAddresses(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT addr FROM peer_addresses WHERE peer_id = ?`, id)
	if err != nil {
		return nil, &StoreError{Op: "list_addresses", Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, &StoreError{Op: "list_addresses", Err: err}
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// Prune deletes peers in the given statuses last seen more than olderThan
// ago. Defaults to pruning only Banned peers, matching the reference.
func (s *PeerStore) Prune(olderThan time.Duration, statuses []PeerStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []PeerStatus{StatusBanned}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := float64(time.Now().Add(-olderThan).UnixNano()) / 1e9
	placeholders := make([]string, len(statuses))
	args := []interface{}{cutoff}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := `DELETE FROM peers WHERE last_seen < ? AND status IN (` + strings.Join(placeholders, ",") + `)`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, &StoreError{Op: "prune", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Vacuum reclaims free space after large deletes.
func (s *PeerStore) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return &StoreError{Op: "vacuum", Err: err}
	}
	return nil
}
