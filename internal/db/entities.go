package db

import "time"

type (
	// ModerationAction is one applied enforcement decision.
	ModerationAction struct {
		ID        int64     `db:"id"`
		ChatID    int64     `db:"chat_id"`
		UserID    int64     `db:"user_id"`
		MessageID int       `db:"message_id"`
		Action    string    `db:"action"`
		Score     int       `db:"score"`
		Reason    string    `db:"reason"`
		TakenAt   time.Time `db:"taken_at"`
	}

	// SpamReport is one spam verdict, kept for after-the-fact review.
	SpamReport struct {
		ID         int64     `db:"id"`
		ChatID     int64     `db:"chat_id"`
		UserID     int64     `db:"user_id"`
		MessageID  int       `db:"message_id"`
		Score      int       `db:"score"`
		Reasons    string    `db:"reasons"`
		ReportedAt time.Time `db:"reported_at"`
	}
)
