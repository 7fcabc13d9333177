package sqlite

import (
	"context"
	"path/filepath"
	"time"

	"github.com/iamwavecut/tool"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/iamwavecut/aegis/internal/db"
	"github.com/iamwavecut/aegis/internal/infra"
	"github.com/iamwavecut/aegis/resources"
)

type sqliteClient struct {
	db *sqlx.DB
}

func NewSQLiteClient(dbPath string) *sqliteClient {
	dbx, err := sqlx.Open("sqlite", filepath.Join(infra.GetWorkDir(), dbPath))
	if err != nil {
		log.WithError(err).Fatalln("cant open db")
	}
	dbx.SetMaxOpenConns(42)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	n, err := migrate.Exec(dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		log.WithError(err).Fatalln("migrate up failed")
	}
	if n > 0 {
		log.Infof("applied %d migrations!", n)
	}

	return &sqliteClient{db: dbx}
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func (c *sqliteClient) AddModerationAction(ctx context.Context, action *db.ModerationAction) error {
	query := `
		INSERT INTO moderation_actions (chat_id, user_id, message_id, action, score, reason, taken_at)
		VALUES (:chat_id, :user_id, :message_id, :action, :score, :reason, :taken_at)
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, action))
}

func (c *sqliteClient) GetModerationActions(ctx context.Context, chatID, userID int64, limit int) ([]db.ModerationAction, error) {
	var actions []db.ModerationAction
	query := `
		SELECT id, chat_id, user_id, message_id, action, score, reason, taken_at
		FROM moderation_actions
		WHERE chat_id = ? AND user_id = ?
		ORDER BY taken_at DESC
		LIMIT ?
	`
	err := c.db.SelectContext(ctx, &actions, query, chatID, userID, limit)
	return actions, err
}

func (c *sqliteClient) AddSpamReport(ctx context.Context, report *db.SpamReport) error {
	query := `
		INSERT INTO spam_reports (chat_id, user_id, message_id, score, reasons, reported_at)
		VALUES (:chat_id, :user_id, :message_id, :score, :reasons, :reported_at)
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, report))
}

func (c *sqliteClient) GetSpamReports(ctx context.Context, userID int64, limit int) ([]db.SpamReport, error) {
	var reports []db.SpamReport
	query := `
		SELECT id, chat_id, user_id, message_id, score, reasons, reported_at
		FROM spam_reports
		WHERE user_id = ?
		ORDER BY reported_at DESC
		LIMIT ?
	`
	err := c.db.SelectContext(ctx, &reports, query, userID, limit)
	return reports, err
}

func (c *sqliteClient) CountSpamReportsSince(ctx context.Context, userID int64, since int64) (int, error) {
	var count int
	err := c.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM spam_reports WHERE user_id = ? AND reported_at >= ?",
		userID, time.Unix(since, 0),
	)
	return count, err
}
