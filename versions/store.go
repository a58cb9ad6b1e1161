package versions

import (
	"errors"

	"gorm.io/gorm"

	"scriptorium/common"
	"scriptorium/models"
)

func loadScript(db *gorm.DB, scriptID int) (*models.Script, error) {
	var script models.Script
	err := db.Preload("Authors.Account").Preload("LocalizedAttributes").First(&script, scriptID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewError(common.KindNotFound, common.WithMessage("script not found"))
	}
	if err != nil {
		return nil, err
	}
	return &script, nil
}

// authorizeScript lets authors post to their scripts. Locked scripts are
// closed to everyone but moderators.
func authorizeScript(script *models.Script, account *models.Account) error {
	if script.Locked && !account.Moderator {
		return common.NewError(common.KindForbidden, common.WithMessage("this script has been locked"))
	}
	if !isAuthor(script, account) {
		return common.NewError(common.KindForbidden, common.WithMessage("only authors may post new versions"))
	}
	return nil
}

func isAuthor(script *models.Script, account *models.Account) bool {
	if account == nil {
		return false
	}
	for _, a := range script.Authors {
		if a.AccountID == account.ID {
			return true
		}
	}
	return false
}

// newestVersion returns the most recently saved version of a script, nil
// when it has none.
func newestVersion(db *gorm.DB, scriptID int) (*models.ScriptVersion, error) {
	if scriptID == 0 {
		return nil, nil
	}
	var version models.ScriptVersion
	err := db.Preload("LocalizedAttributes").Preload("Screenshots").
		Where("script_id = ?", scriptID).
		Order("created_at DESC, id DESC").
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}
