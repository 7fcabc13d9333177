package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	snapshotVersion      = "1.0"
	historySnapshotLimit = 100
	permanentBanSentinel = "max"
)

type BackupInfo struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Version   string `json:"version"`
}

type snapshotState struct {
	ApprovedUsers    []int64               `json:"approved_users"`
	BannedUsers      map[int64]string      `json:"banned_users"`
	GroupStates      map[int64]bool        `json:"group_states"`
	ChatHistory      []HistoryEntry        `json:"chat_history"`
	UserStats        map[int64]UserRecord  `json:"user_stats"`
	SpamViolations   map[int64][]time.Time `json:"spam_violations"`
	SuspiciousUsers  []int64               `json:"suspicious_users"`
	SessionID        string                `json:"session_id"`
	SessionStartTime time.Time             `json:"session_start_time"`
	LastBackupTime   time.Time             `json:"last_backup_time"`
}

type Snapshot struct {
	BackupInfo BackupInfo    `json:"backup_info"`
	State      snapshotState `json:"state"`
}

// Export captures the registry as a snapshot. History is truncated to the
// most recent entries; the in-memory buffer keeps more.
func (r *Registry) Export(backupType string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := snapshotState{
		ApprovedUsers:    make([]int64, 0, len(r.approved)),
		BannedUsers:      make(map[int64]string, len(r.banned)),
		GroupStates:      make(map[int64]bool, len(r.groupStates)),
		UserStats:        make(map[int64]UserRecord, len(r.users)),
		SpamViolations:   make(map[int64][]time.Time, len(r.violations)),
		SuspiciousUsers:  make([]int64, 0, len(r.suspicious)),
		SessionID:        r.sessionID,
		SessionStartTime: r.sessionStart,
		LastBackupTime:   r.lastBackup,
	}
	for id := range r.approved {
		st.ApprovedUsers = append(st.ApprovedUsers, id)
	}
	for id, until := range r.banned {
		if until.Equal(permanentUntil) {
			st.BannedUsers[id] = permanentBanSentinel
			continue
		}
		st.BannedUsers[id] = until.UTC().Format(time.RFC3339)
	}
	for chatID, enabled := range r.groupStates {
		st.GroupStates[chatID] = enabled
	}
	n := len(r.history)
	if n > historySnapshotLimit {
		n = historySnapshotLimit
	}
	st.ChatHistory = make([]HistoryEntry, n)
	copy(st.ChatHistory, r.history[len(r.history)-n:])
	for id, rec := range r.users {
		st.UserStats[id] = *rec
	}
	for id, stamps := range r.violations {
		cp := make([]time.Time, len(stamps))
		copy(cp, stamps)
		st.SpamViolations[id] = cp
	}
	for id := range r.suspicious {
		st.SuspiciousUsers = append(st.SuspiciousUsers, id)
	}

	return Snapshot{
		BackupInfo: BackupInfo{
			Timestamp: r.now().UTC().Format(time.RFC3339),
			Type:      backupType,
			Version:   snapshotVersion,
		},
		State: st,
	}
}

// Import replaces the registry contents with the snapshot's. Missing fields
// decode to zero values, so partial snapshots restore what they carry and
// default the rest.
func (r *Registry) Import(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.approved = make(map[int64]bool, len(snap.State.ApprovedUsers))
	for _, id := range snap.State.ApprovedUsers {
		r.approved[id] = true
	}
	r.banned = make(map[int64]time.Time, len(snap.State.BannedUsers))
	for id, raw := range snap.State.BannedUsers {
		if raw == permanentBanSentinel {
			r.banned[id] = permanentUntil
			continue
		}
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			r.logger.WithFields(log.Fields{
				"user_id": id,
				"value":   raw,
			}).Warn("cant parse ban end time, dropping entry")
			continue
		}
		r.banned[id] = until
	}
	r.groupStates = make(map[int64]bool, len(snap.State.GroupStates))
	for chatID, enabled := range snap.State.GroupStates {
		r.groupStates[chatID] = enabled
	}
	r.history = append([]HistoryEntry(nil), snap.State.ChatHistory...)
	r.users = make(map[int64]*UserRecord, len(snap.State.UserStats))
	for id, rec := range snap.State.UserStats {
		cp := rec
		cp.ID = id
		r.users[id] = &cp
	}
	r.violations = make(map[int64][]time.Time, len(snap.State.SpamViolations))
	for id, stamps := range snap.State.SpamViolations {
		r.violations[id] = append([]time.Time(nil), stamps...)
	}
	r.suspicious = make(map[int64]bool, len(snap.State.SuspiciousUsers))
	for _, id := range snap.State.SuspiciousUsers {
		r.suspicious[id] = true
	}
	if snap.State.SessionID != "" {
		r.sessionID = snap.State.SessionID
	}
	if !snap.State.SessionStartTime.IsZero() {
		r.sessionStart = snap.State.SessionStartTime
	}
	r.lastBackup = snap.State.LastBackupTime
}

// SuspiciousIDs returns the ids flagged suspicious, for seeding the trust
// verifier after a restore.
func (r *Registry) SuspiciousIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.suspicious))
	for id := range r.suspicious {
		ids = append(ids, id)
	}
	return ids
}

// Store persists registry snapshots to a JSON file.
type Store struct {
	path   string
	logger *log.Entry
}

func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: log.WithField("object", "Store").WithField("path", path),
	}
}

// Save checkpoints the registry. The previous file is kept as a .backup copy
// before being replaced.
func (s *Store) Save(r *Registry, backupType string) error {
	snap := r.Export(backupType)
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	if _, err := os.Stat(s.path); err == nil {
		if copyErr := copyFile(s.path, s.path+".backup"); copyErr != nil {
			s.logger.WithField("error", copyErr.Error()).Warn("cant keep previous snapshot copy")
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create state directory")
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	s.logger.WithField("type", backupType).Debug("state checkpointed")
	return nil
}

// Load restores the registry from the snapshot file. A missing file leaves
// the registry empty; a corrupt file is renamed aside for inspection and the
// registry likewise starts empty.
func (s *Store) Load(r *Registry) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no snapshot file, starting with empty state")
			return nil
		}
		return errors.Wrap(err, "read snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		quarantine := s.path + ".corrupt." + time.Now().UTC().Format("20060102T150405")
		if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
			s.logger.WithField("error", renameErr.Error()).Error("cant quarantine corrupt snapshot")
		} else {
			s.logger.WithField("quarantine", quarantine).Error("corrupt snapshot quarantined, starting with empty state")
		}
		return nil
	}
	r.Import(snap)
	s.logger.WithField("version", snap.BackupInfo.Version).Info("state restored")
	return nil
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o644)
}
