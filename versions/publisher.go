// Package versions publishes and deletes script versions.
package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scriptorium/captcha"
	"scriptorium/common"
	"scriptorium/jobs"
	"scriptorium/models"
	"scriptorium/moderation"
	"scriptorium/permission"
	"scriptorium/scriptcheck"
	"scriptorium/scripts"
)

const DefaultBanDelay = 5 * time.Minute

// EmailChecker rejects accounts with unusable addresses.
type EmailChecker interface {
	CheckAccount(ctx context.Context, account *models.Account) bool
}

// CodeCache drops cached renditions of a script's code.
type CodeCache interface {
	Invalidate(scriptID int) error
}

type Publisher struct {
	db          *gorm.DB
	permissions *permission.PermissionService
	emails      EmailChecker
	verifier    captcha.Verifier
	checker     scriptcheck.Checker
	scheduler   jobs.Scheduler
	screenshots ScreenshotStore
	cache       CodeCache
	banDelay    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Publisher)

func WithScreenshots(store ScreenshotStore) Option {
	return func(p *Publisher) {
		p.screenshots = store
	}
}

func WithCache(cache CodeCache) Option {
	return func(p *Publisher) {
		p.cache = cache
	}
}

func WithBanDelay(delay time.Duration) Option {
	return func(p *Publisher) {
		if delay > 0 {
			p.banDelay = delay
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

func NewPublisher(db *gorm.DB, permissions *permission.PermissionService, emails EmailChecker,
	verifier captcha.Verifier, checker scriptcheck.Checker, scheduler jobs.Scheduler, opts ...Option) *Publisher {
	p := &Publisher{
		db:          db,
		permissions: permissions,
		emails:      emails,
		verifier:    verifier,
		checker:     checker,
		scheduler:   scheduler,
		banDelay:    DefaultBanDelay,
		now:         time.Now,
		logger:      slog.Default().With("system", "versions"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is what a submission produced. When Persisted is false the form
// should be shown again with Script, Code, AdditionalInfo and
// CurrentScreenshots.
type Result struct {
	Script             *models.Script              `json:"script"`
	Version            *models.ScriptVersion       `json:"version"`
	Code               string                      `json:"code"`
	AdditionalInfo     []models.LocalizedAttribute `json:"additional_info"`
	Persisted          bool                        `json:"persisted"`
	Errors             scripts.ValidationErrors    `json:"errors,omitempty"`
	CurrentScreenshots []models.Screenshot         `json:"current_screenshots,omitempty"`
	AdditionalInfoOps  scripts.AttributeOps        `json:"-"`
	Preview            string                      `json:"preview,omitempty"`
	Findings           []scriptcheck.Finding       `json:"-"`
	Verdict            scriptcheck.Verdict         `json:"-"`
}

// formState copies the submitted code and additional info out of the
// version so they reach the client alongside the errors.
func (r *Result) formState() *Result {
	r.Code = r.Version.Code
	r.AdditionalInfo = scripts.CurrentAdditionalInfo(r.Version)
	return r
}

// Create runs a submission through permission checks, validation and the
// script checker, and persists the new version when everything passes.
//
// A nil error with Persisted false means the submission was a preview or
// an "add additional info" request. Rejections come back as common.Error
// kinds together with the result to redisplay, except Forbidden and
// NotFound which carry no result.
func (p *Publisher) Create(ctx context.Context, account *models.Account, sub *Submission) (*Result, error) {
	if err := p.authorizePosting(ctx, account); err != nil {
		return nil, err
	}

	script, err := p.loadOrBuildScript(ctx, account, sub)
	if err != nil {
		return nil, err
	}

	previous, err := newestVersion(p.db.WithContext(ctx), script.ID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	saveRecord := sub.SaveRecord()

	version := &models.ScriptVersion{
		ScriptID:        script.ID,
		Changelog:       sub.Changelog,
		ChangelogMarkup: sub.ChangelogMarkup,
	}
	if version.ChangelogMarkup == "" {
		version.ChangelogMarkup = scripts.MarkupText
	}
	sub.Overrides.applyTo(version)

	result := &Result{Script: script, Version: version}
	if previous != nil {
		result.CurrentScreenshots = previous.Screenshots
		version.LocalizedAttributes = carriedAdditionalInfo(previous)
	}

	desired := scripts.DesiredAdditionalInfo(sub.AdditionalInfo, script.LocaleCode, saveRecord)
	result.AdditionalInfoOps = scripts.DiffAttributes(scripts.CurrentAdditionalInfo(version), desired)
	scripts.ApplyAdditionalInfoOps(version, result.AdditionalInfoOps)

	if sub.CodeUpload != nil {
		code, err := scripts.DecodeUpload(sub.CodeUpload)
		if err != nil {
			return result.formState(), err
		}
		version.Code = code
	} else {
		version.Code = sub.Code
	}

	if script.Library() {
		if sub.Name != nil {
			scripts.ReplaceScriptAttribute(script, models.AttributeName, scripts.TextAttribute(models.AttributeName, *sub.Name, script.LocaleCode))
		}
		if sub.Description != nil {
			scripts.ReplaceScriptAttribute(script, models.AttributeDescription, scripts.TextAttribute(models.AttributeDescription, *sub.Description, script.LocaleCode))
		}
		version.AddMissingVersion = true
	}

	if script.Deleted() && script.Description == "" {
		scripts.ReplaceScriptAttribute(script, models.AttributeDescription, scripts.TextAttribute(models.AttributeDescription, scripts.DeletedDescription, script.LocaleCode))
	}

	scripts.CalculateAll(script, version, script.Description, now)
	scripts.ApplyFromVersion(script, version)

	version.Screenshots = carriedScreenshots(previous, sub)
	for _, upload := range sub.NewScreenshots {
		version.Screenshots = append(version.Screenshots, models.Screenshot{
			Filename: scripts.FixFilename(upload.Filename),
			Caption:  upload.Caption,
		})
	}

	findings, verdict, err := p.checker.Check(ctx, script, version)
	if err != nil {
		return nil, fmt.Errorf("checking script: %w", err)
	}
	result.Findings, result.Verdict = findings, verdict

	if sub.Preview {
		value, markup := scripts.AdditionalInfo(version)
		result.Preview = scripts.RenderMarkup(value, markup)
	}
	if sub.AddAdditionalInfo {
		version.LocalizedAttributes = append(version.LocalizedAttributes, models.VersionLocalizedAttribute{
			LocalizedAttribute: models.LocalizedAttribute{
				AttributeKey: models.AttributeAdditionalInfo,
				LocaleCode:   script.LocaleCode,
				ValueMarkup:  account.PreferredMarkup,
			},
		})
	}

	errs := scripts.ValidateScript(script, len(script.Authors))
	errs = append(errs, scripts.ValidateVersion(script, version, previous)...)

	if !saveRecord {
		result.Errors = errs
		scripts.EnsureDefaultAdditionalInfo(version, script.LocaleCode, account.PreferredMarkup)
		return result.formState(), nil
	}

	if verdict == scriptcheck.Block {
		errs.Add(scripts.FieldBase, blockReason(findings))
		result.Errors = errs
		scripts.EnsureDefaultAdditionalInfo(version, script.LocaleCode, account.PreferredMarkup)
		return result.formState(), common.NewError(common.KindPolicyBlock, common.WithMessage(blockReason(findings)))
	}

	passed, err := p.verifyChallenge(ctx, account, sub)
	if err != nil {
		return nil, err
	}
	if !passed {
		errs.Add(scripts.FieldBase, "Please complete the challenge to prove you are not a bot.")
		result.Errors = errs
		scripts.EnsureDefaultAdditionalInfo(version, script.LocaleCode, account.PreferredMarkup)
		return result.formState(), common.NewError(common.KindForbidden, common.WithMessage("challenge failed"))
	}

	if len(errs) > 0 {
		result.Errors = errs
		scripts.EnsureDefaultAdditionalInfo(version, script.LocaleCode, account.PreferredMarkup)
		return result.formState(), common.NewError(common.KindValidation, common.WithCause(errs))
	}

	if verdict == scriptcheck.Review && script.ReviewState != models.ReviewStateApproved {
		script.ReviewState = models.ReviewStateRequired
	}

	if err := p.storeScreenshots(version, sub); err != nil {
		return nil, err
	}

	if err := p.persist(ctx, script, version); err != nil {
		p.discardScreenshots(version, sub)
		return nil, err
	}
	result.Persisted = true
	versionsPublished.WithLabelValues(verdict.String()).Inc()

	p.logger.Info("version published", "script", script.ID, "version", version.ID, "account", account.ID, "verdict", verdict.String())
	result.formState()

	if p.cache != nil {
		if err := p.cache.Invalidate(script.ID); err != nil {
			p.logger.Warn("could not invalidate code cache", "script", script.ID, "err", err)
		}
	}

	if verdict == scriptcheck.Ban {
		payload := moderation.BanAndDeletePayload{ScriptID: script.ID, Findings: findings}
		if _, err := p.scheduler.Schedule(ctx, moderation.JobBanAndDelete, payload, p.banDelay); err != nil {
			p.logger.Error("could not schedule ban and delete", "script", script.ID, "err", err)
		}
	}

	return result, nil
}

func (p *Publisher) authorizePosting(ctx context.Context, account *models.Account) error {
	posting, err := p.permissions.Evaluate(ctx, account)
	if err != nil {
		return err
	}
	if posting != permission.Allowed {
		return common.NewError(common.KindForbidden, common.WithMessage("posting is not allowed for this account"))
	}
	if !p.emails.CheckAccount(ctx, account) {
		return common.NewError(common.KindForbidden, common.WithMessage("a usable email address is required to post"))
	}
	return nil
}

func (p *Publisher) loadOrBuildScript(ctx context.Context, account *models.Account, sub *Submission) (*models.Script, error) {
	var script *models.Script
	if sub.ScriptID == nil {
		language := sub.Language
		if language == "" {
			language = scripts.LanguageJS
		}
		script = &models.Script{
			Language:   language,
			ScriptType: models.ScriptTypePublic,
			Authors:    []models.Author{{AccountID: account.ID, Account: account}},
		}
	} else {
		loaded, err := loadScript(p.db.WithContext(ctx), *sub.ScriptID)
		if err != nil {
			return nil, err
		}
		if err := authorizeScript(loaded, account); err != nil {
			return nil, err
		}
		script = loaded
	}

	if sub.ScriptType != 0 {
		script.ScriptType = sub.ScriptType
	}
	if sub.LocaleCode != nil {
		script.LocaleCode = *sub.LocaleCode
	}
	script.AdultContentSelfReport = sub.AdultContentSelfReport
	if sub.NotAdultContentSelfReport {
		now := p.now()
		script.NotAdultContentSelfReportDate = &now
	} else {
		script.NotAdultContentSelfReportDate = nil
	}
	return script, nil
}

func (p *Publisher) verifyChallenge(ctx context.Context, account *models.Account, sub *Submission) (bool, error) {
	needed, err := p.permissions.NeedsToRecaptcha(ctx, account)
	if err != nil {
		return false, err
	}
	if !needed {
		return true, nil
	}
	return p.verifier.Verify(ctx, sub.CaptchaResponse, sub.RemoteIP)
}

func (p *Publisher) storeScreenshots(version *models.ScriptVersion, sub *Submission) error {
	if len(sub.NewScreenshots) == 0 {
		return nil
	}
	if p.screenshots == nil {
		return errors.New("no screenshot store configured")
	}

	offset := len(version.Screenshots) - len(sub.NewScreenshots)
	for i, upload := range sub.NewScreenshots {
		shot := &version.Screenshots[offset+i]
		path, err := p.screenshots.Save(shot.Filename, upload.Data)
		if err != nil {
			p.discardScreenshots(version, sub)
			return fmt.Errorf("saving screenshot %s: %w", shot.Filename, err)
		}
		shot.Path = path
	}
	return nil
}

// discardScreenshots removes the files stored for this submission's new
// screenshots once the version will not be saved.
func (p *Publisher) discardScreenshots(version *models.ScriptVersion, sub *Submission) {
	if p.screenshots == nil || len(sub.NewScreenshots) == 0 {
		return
	}
	offset := len(version.Screenshots) - len(sub.NewScreenshots)
	for i := range sub.NewScreenshots {
		shot := &version.Screenshots[offset+i]
		if shot.Path == "" {
			continue
		}
		if err := p.screenshots.Remove(shot.Path); err != nil {
			p.logger.Warn("could not remove screenshot", "path", shot.Path, "err", err)
		}
		shot.Path = ""
	}
}

// persist saves the version and then the script in one transaction. A new
// script row is created first so the version has something to point at.
func (p *Publisher) persist(ctx context.Context, script *models.Script, version *models.ScriptVersion) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if script.ID == 0 {
			if err := tx.Omit(clause.Associations).Create(script).Error; err != nil {
				return err
			}
			for i := range script.Authors {
				script.Authors[i].ScriptID = script.ID
				if err := tx.Omit(clause.Associations).Create(&script.Authors[i]).Error; err != nil {
					return err
				}
			}
		}

		version.ScriptID = script.ID
		if err := tx.Omit(clause.Associations).Create(version).Error; err != nil {
			return err
		}
		for i := range version.LocalizedAttributes {
			la := &version.LocalizedAttributes[i]
			la.ID = 0
			la.ScriptVersionID = version.ID
			if err := tx.Create(la).Error; err != nil {
				return err
			}
		}
		if err := linkScreenshots(tx, version); err != nil {
			return err
		}

		scripts.ApplyFromVersion(script, version)
		return saveScript(tx, script)
	})
}

func linkScreenshots(tx *gorm.DB, version *models.ScriptVersion) error {
	for i := range version.Screenshots {
		shot := &version.Screenshots[i]
		if shot.ID == 0 {
			if err := tx.Create(shot).Error; err != nil {
				return err
			}
		} else if err := tx.Model(&models.Screenshot{}).Where("id = ?", shot.ID).Update("caption", shot.Caption).Error; err != nil {
			return err
		}
		if err := tx.Exec("INSERT INTO script_version_screenshots (script_version_id, screenshot_id) VALUES (?, ?)", version.ID, shot.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// saveScript writes the script row and replaces its localized attributes.
func saveScript(tx *gorm.DB, script *models.Script) error {
	if err := tx.Omit(clause.Associations).Save(script).Error; err != nil {
		return err
	}
	if err := tx.Where("script_id = ?", script.ID).Delete(&models.ScriptLocalizedAttribute{}).Error; err != nil {
		return err
	}
	for i := range script.LocalizedAttributes {
		la := &script.LocalizedAttributes[i]
		la.ID = 0
		la.ScriptID = script.ID
		if err := tx.Create(la).Error; err != nil {
			return err
		}
	}
	return nil
}

func blockReason(findings []scriptcheck.Finding) string {
	if len(findings) == 0 || findings[0].PublicReason == "" {
		return "This script was blocked by an automated check."
	}
	return findings[0].PublicReason
}

// carriedAdditionalInfo copies the previous version's additional info so
// the submitted set can be diffed against it.
func carriedAdditionalInfo(previous *models.ScriptVersion) []models.VersionLocalizedAttribute {
	var attrs []models.VersionLocalizedAttribute
	for _, la := range previous.LocalizedAttributes {
		if la.AttributeKey == models.AttributeAdditionalInfo {
			attrs = append(attrs, models.VersionLocalizedAttribute{LocalizedAttribute: la.LocalizedAttribute})
		}
	}
	return attrs
}

// carriedScreenshots keeps the previous version's screenshots that were not
// removed, with edited captions applied.
func carriedScreenshots(previous *models.ScriptVersion, sub *Submission) []models.Screenshot {
	if previous == nil {
		return nil
	}
	var shots []models.Screenshot
	for _, shot := range previous.Screenshots {
		if sub.RemoveScreenshots[shot.ID] {
			continue
		}
		if caption, ok := sub.ScreenshotCaptions[shot.ID]; ok {
			shot.Caption = caption
		}
		shots = append(shots, shot)
	}
	return shots
}
