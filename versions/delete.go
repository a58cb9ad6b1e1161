package versions

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"scriptorium/common"
	"scriptorium/models"
	"scriptorium/scripts"
)

// Delete removes one version of a script on a moderator's behalf and
// recomputes the script from the newest version left. The last version of
// a script cannot be deleted; delete the script instead.
func (p *Publisher) Delete(ctx context.Context, moderator *models.Account, scriptID, versionID int, reason string) error {
	if moderator == nil || !moderator.Moderator {
		return common.NewError(common.KindForbidden, common.WithMessage("only moderators may delete versions"))
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var version models.ScriptVersion
		err := tx.Where("script_id = ?", scriptID).First(&version, versionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.NewError(common.KindNotFound, common.WithMessage("version not found"))
		}
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.ScriptVersion{}).Where("script_id = ?", scriptID).Count(&count).Error; err != nil {
			return err
		}
		if count <= 1 {
			return common.NewError(common.KindConflict, common.WithMessage("cannot delete the only version of a script"))
		}

		script, err := loadScript(tx, scriptID)
		if err != nil {
			return err
		}

		err = tx.Create(&models.ModeratorAction{
			ModeratorID: moderator.ID,
			ScriptID:    &script.ID,
			Action:      fmt.Sprintf("Delete version %s, ID %d", version.Version, version.ID),
			Reason:      reason,
		}).Error
		if err != nil {
			return err
		}

		if err := destroyVersion(tx, version.ID); err != nil {
			return err
		}

		newest, err := newestVersion(tx, script.ID)
		if err != nil {
			return err
		}
		scripts.ApplyFromVersion(script, newest)
		return saveScript(tx, script)
	})
	if err != nil {
		return err
	}

	versionsDeleted.Inc()
	p.logger.Info("version deleted", "script", scriptID, "version", versionID, "moderator", moderator.ID)

	if p.cache != nil {
		if err := p.cache.Invalidate(scriptID); err != nil {
			p.logger.Warn("could not invalidate code cache", "script", scriptID, "err", err)
		}
	}
	return nil
}

func destroyVersion(tx *gorm.DB, versionID int) error {
	if err := tx.Exec("DELETE FROM script_version_screenshots WHERE script_version_id = ?", versionID).Error; err != nil {
		return err
	}
	if err := tx.Where("script_version_id = ?", versionID).Delete(&models.VersionLocalizedAttribute{}).Error; err != nil {
		return err
	}
	return tx.Delete(&models.ScriptVersion{}, versionID).Error
}
