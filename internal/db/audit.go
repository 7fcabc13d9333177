package db

import (
	"context"
	"time"

	"github.com/iamwavecut/aegis/internal/moderation"
)

// Auditor adapts the storage client to the moderation engine's audit
// interface.
type Auditor struct {
	client Client
}

func NewAuditor(client Client) *Auditor {
	return &Auditor{client: client}
}

func (a *Auditor) RecordAction(ctx context.Context, rec moderation.ActionRecord) error {
	return a.client.AddModerationAction(ctx, &ModerationAction{
		ChatID:    rec.ChatID,
		UserID:    rec.UserID,
		MessageID: rec.MessageID,
		Action:    rec.Action,
		Score:     rec.Score,
		Reason:    rec.Reason,
		TakenAt:   time.Now(),
	})
}
