package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/config"
)

// BackupManager writes timestamped snapshot copies alongside the live state
// file and enforces a retention cap.
type BackupManager struct {
	cfg    config.Backup
	dir    string
	now    func() time.Time
	logger *log.Entry
}

func NewBackupManager(cfg config.Backup, baseDir string) *BackupManager {
	return &BackupManager{
		cfg:    cfg,
		dir:    filepath.Join(baseDir, cfg.Dir),
		now:    time.Now,
		logger: log.WithField("object", "BackupManager"),
	}
}

// CreateBackup writes a timestamped snapshot and prunes old files past the
// retention cap.
func (m *BackupManager) CreateBackup(r *Registry, backupType string) (string, error) {
	snap := r.Export(backupType)
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal backup")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create backup directory")
	}
	name := "state_" + m.now().UTC().Format("20060102T150405") + ".json"
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", errors.Wrap(err, "write backup")
	}

	r.mu.Lock()
	r.lastBackup = m.now()
	r.mu.Unlock()

	m.prune()
	m.logger.WithFields(log.Fields{
		"path": path,
		"type": backupType,
	}).Info("backup created")
	return path, nil
}

// AutoBackupNeeded reports whether the configured interval has elapsed since
// the last backup.
func (m *BackupManager) AutoBackupNeeded(r *Registry) bool {
	r.mu.Lock()
	last := r.lastBackup
	r.mu.Unlock()

	if last.IsZero() {
		return true
	}
	return m.now().Sub(last) >= m.cfg.Interval
}

// ListBackups returns backup file paths, oldest first.
func (m *BackupManager) ListBackups() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read backup directory")
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(m.dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Restore loads a backup file into the registry.
func (m *BackupManager) Restore(r *Registry, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read backup")
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return errors.Wrap(err, "parse backup")
	}
	r.Import(snap)
	m.logger.WithField("path", path).Info("state restored from backup")
	return nil
}

func (m *BackupManager) prune() {
	paths, err := m.ListBackups()
	if err != nil {
		m.logger.WithField("error", err.Error()).Warn("cant list backups for retention")
		return
	}
	for len(paths) > m.cfg.MaxFiles {
		if err := os.Remove(paths[0]); err != nil {
			m.logger.WithFields(log.Fields{
				"path":  paths[0],
				"error": err.Error(),
			}).Warn("cant remove old backup")
			return
		}
		paths = paths[1:]
	}
}
