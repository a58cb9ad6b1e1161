package versions

import (
	"context"

	"scriptorium/common"
	"scriptorium/models"
	"scriptorium/permission"
	"scriptorium/scripts"
)

// Notices shown instead of the version form.
const (
	NoticeNewScript   = "new_script_notice"
	NoticeMustConfirm = "must_confirm"
	NoticeDisposable  = "disposable_email"
)

// Form is the data behind the new-version form. When Notice is set the
// form itself must not be shown.
type Form struct {
	Notice             string                      `json:"notice,omitempty"`
	Script             *models.Script              `json:"script,omitempty"`
	Version            *models.ScriptVersion       `json:"version,omitempty"`
	Code               string                      `json:"code,omitempty"`
	AdditionalInfo     []models.LocalizedAttribute `json:"additional_info,omitempty"`
	CurrentScreenshots []models.Screenshot         `json:"current_screenshots"`
}

// NewForm prepares the form for a new version of scriptID, or for a new
// script when scriptID is nil. noticeSeen records that the author already
// acknowledged the first-script notice.
func (p *Publisher) NewForm(ctx context.Context, account *models.Account, scriptID *int, language string, noticeSeen bool) (*Form, error) {
	if !noticeSeen {
		var authored int64
		err := p.db.WithContext(ctx).Model(&models.Author{}).Where("account_id = ?", account.ID).Count(&authored).Error
		if err != nil {
			return nil, err
		}
		if authored == 0 {
			return &Form{Notice: NoticeNewScript}, nil
		}
	}

	posting, err := p.permissions.Evaluate(ctx, account)
	if err != nil {
		return nil, err
	}
	if posting != permission.Allowed {
		// Blocked accounts are told the same as unconfirmed ones.
		return &Form{Notice: NoticeMustConfirm}, nil
	}
	if !p.emails.CheckAccount(ctx, account) {
		return &Form{Notice: NoticeDisposable}, nil
	}

	version := &models.ScriptVersion{}
	form := &Form{Version: version, CurrentScreenshots: []models.Screenshot{}}

	if scriptID == nil {
		if language == "" {
			language = scripts.LanguageJS
		}
		form.Script = &models.Script{
			ScriptType: models.ScriptTypePublic,
			Language:   language,
			Authors:    []models.Author{{AccountID: account.ID}},
		}
	} else {
		script, err := loadScript(p.db.WithContext(ctx), *scriptID)
		if err != nil {
			return nil, err
		}
		if err := authorizeScript(script, account); err != nil {
			return nil, err
		}
		form.Script = script

		previous, err := newestVersion(p.db.WithContext(ctx), script.ID)
		if err != nil {
			return nil, err
		}
		if previous != nil {
			version.Code = previous.Code
			version.NotJSConvertibleOverride = previous.NotJSConvertibleOverride
			for _, la := range previous.LocalizedAttributes {
				version.LocalizedAttributes = append(version.LocalizedAttributes, models.VersionLocalizedAttribute{LocalizedAttribute: la.LocalizedAttribute})
			}
			form.CurrentScreenshots = previous.Screenshots
		}
	}

	scripts.EnsureDefaultAdditionalInfo(version, form.Script.LocaleCode, account.PreferredMarkup)
	form.Code = version.Code
	for _, la := range version.LocalizedAttributes {
		form.AdditionalInfo = append(form.AdditionalInfo, la.LocalizedAttribute)
	}
	return form, nil
}

// BlankAdditionalInfo is the entry added by the "add another" button.
func BlankAdditionalInfo(account *models.Account) models.LocalizedAttribute {
	return models.LocalizedAttribute{
		AttributeKey: models.AttributeAdditionalInfo,
		ValueMarkup:  account.PreferredMarkup,
	}
}

// History lists the versions of a script, newest first. Deleted scripts
// are only visible to their authors and moderators.
func (p *Publisher) History(ctx context.Context, viewer *models.Account, scriptID int) (*models.Script, []models.ScriptVersion, error) {
	db := p.db.WithContext(ctx)
	script, err := loadScript(db, scriptID)
	if err != nil {
		return nil, nil, err
	}
	if script.Deleted() && !(viewer != nil && (viewer.Moderator || isAuthor(script, viewer))) {
		return nil, nil, common.NewError(common.KindNotFound, common.WithMessage("script not found"))
	}

	var versions []models.ScriptVersion
	err = db.Omit("code").Where("script_id = ?", scriptID).Order("created_at DESC, id DESC").Find(&versions).Error
	if err != nil {
		return nil, nil, err
	}
	return script, versions, nil
}
