package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"scriptorium/jobs"
	"scriptorium/models"
	"scriptorium/scriptcheck"
)

// JobBanAndDelete bans the authors of a script the checker condemned and
// deletes the script.
const JobBanAndDelete = "script_checker_ban_and_delete"

type BanAndDeletePayload struct {
	ScriptID int                   `json:"script_id"`
	Findings []scriptcheck.Finding `json:"findings"`
}

// RegisterJobs adds the moderation job handlers to registry.
func (s *Service) RegisterJobs(registry *jobs.Registry) {
	registry.Register(JobBanAndDelete, s.handleBanAndDelete)
}

func (s *Service) handleBanAndDelete(ctx context.Context, raw json.RawMessage) error {
	var payload BanAndDeletePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decoding ban and delete payload: %w", err)
	}
	return s.BanAndDeleteScript(ctx, payload.ScriptID, payload.Findings)
}

// BanAndDeleteScript deletes and locks the script and bans every author.
// The first finding supplies the reasons. The oldest moderator account is
// recorded as the acting moderator.
func (s *Service) BanAndDeleteScript(ctx context.Context, scriptID int, findings []scriptcheck.Finding) error {
	var script models.Script
	err := s.db.WithContext(ctx).Preload("Authors.Account").First(&script, scriptID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("script gone before ban and delete ran", "script", scriptID)
		return nil
	}
	if err != nil {
		return err
	}

	moderator, err := s.systemModerator(ctx)
	if err != nil {
		return err
	}

	reason, privateReason := "Automated script check", ""
	if len(findings) > 0 {
		reason = findings[0].PublicReason
		privateReason = findings[0].PrivateReason
	}

	if !script.Locked {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return deleteAndLock(tx, &script, moderator, reason, models.DeleteTypeBlanked)
		})
		if err != nil {
			return err
		}
		s.invalidate(script.ID)
	}

	for _, author := range script.Authors {
		if author.Account == nil {
			continue
		}
		if err := s.Ban(ctx, author.Account, moderator, reason, privateReason, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) systemModerator(ctx context.Context) (*models.Account, error) {
	var moderator models.Account
	err := s.db.WithContext(ctx).Where("moderator = ?", true).Order("id").First(&moderator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("no moderator account to act for automated bans")
	}
	return &moderator, err
}
