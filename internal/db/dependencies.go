package db

import "context"

type Client interface {
	Close() error
	AddModerationAction(ctx context.Context, action *ModerationAction) error
	GetModerationActions(ctx context.Context, chatID, userID int64, limit int) ([]ModerationAction, error)
	AddSpamReport(ctx context.Context, report *SpamReport) error
	GetSpamReports(ctx context.Context, userID int64, limit int) ([]SpamReport, error)
	CountSpamReportsSince(ctx context.Context, userID int64, since int64) (int, error)
}
