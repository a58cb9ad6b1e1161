// Package moderation holds the account and report rules moderators act
// through: bans, report resolution, reporter trust and account removal.
package moderation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"scriptorium/email"
	"scriptorium/models"
)

// DefaultBannedEmailSalt salts the hashes of banned and deleted emails when
// no salt is configured. Changing it orphans existing hashes.
const DefaultBannedEmailSalt = "95b68f92d7f373b07dfe101a4b3b46708ae161739b263016eefa3d01762879936507ff2a55442e9a47c681d895de4d905565e2645caff432a987b07457bc005b"

const (
	// TrustedReportsMinimum is the fewest resolved reports needed before an
	// account can be trusted.
	TrustedReportsMinimum = 3
	// TrustedReportsThreshold is the share of upheld reports that earns trust.
	TrustedReportsThreshold = 0.75
)

const (
	ActionBan           = "Ban"
	ActionDeleteAndLock = "Delete and lock"
)

// CodeCache is the served-code cache that must forget deleted scripts.
type CodeCache interface {
	Invalidate(scriptID int) error
}

type Service struct {
	db     *gorm.DB
	salt   string
	cache  CodeCache
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Service)

func WithSalt(salt string) Option {
	return func(s *Service) {
		if salt != "" {
			s.salt = salt
		}
	}
}

func WithCache(cache CodeCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:     db,
		salt:   DefaultBannedEmailSalt,
		now:    time.Now,
		logger: slog.Default().With("component", "moderation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ban bans account. Banning an already banned account does nothing. The
// audit record, the ban stamp and the dismissal of the account's pending
// script reports commit together. With propagate, every other active
// account sharing the canonical email is banned too, without further
// propagation. Reports against the account are upheld afterwards.
func (s *Service) Ban(ctx context.Context, account, moderator *models.Account, reason, privateReason string, propagate bool) error {
	if account.Banned() {
		return nil
	}

	now := s.now()
	var reporters []int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// re-check under the transaction so two concurrent bans write one record
		res := tx.Model(&models.Account{}).
			Where("id = ? AND banned_at IS NULL", account.ID).
			Update("banned_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyBanned
		}

		if err := tx.Create(&models.ModeratorAction{
			ModeratorID:   moderator.ID,
			AccountID:     &account.ID,
			Action:        ActionBan,
			Reason:        reason,
			PrivateReason: privateReason,
		}).Error; err != nil {
			return err
		}

		var err error
		reporters, err = resolveReports(tx, models.ReportResultDismissed, moderator.ID, now,
			"reporter_id = ? AND item_type = ?", account.ID, models.ReportItemScript)
		return err
	})
	switch {
	case errors.Is(err, errAlreadyBanned):
		return nil
	case err != nil:
		return fmt.Errorf("banning account %d: %w", account.ID, err)
	}
	account.BannedAt = &now

	s.logger.Info("account banned", "account", account.ID, "moderator", moderator.ID, "propagate", propagate)

	if propagate && account.CanonicalEmail != "" {
		var related []models.Account
		err := s.db.WithContext(ctx).
			Where("canonical_email = ? AND banned_at IS NULL AND id <> ?", account.CanonicalEmail, account.ID).
			Find(&related).Error
		if err != nil {
			return err
		}
		for i := range related {
			if err := s.Ban(ctx, &related[i], moderator, reason, privateReason, false); err != nil {
				return err
			}
		}
	}

	upheld, err := resolveReports(s.db.WithContext(ctx), models.ReportResultUpheld, moderator.ID, now,
		"item_type = ? AND item_id = ?", models.ReportItemAccount, account.ID)
	if err != nil {
		return err
	}

	return s.recomputeAll(ctx, append(reporters, upheld...))
}

var errAlreadyBanned = errors.New("already banned")

// resolveReports stamps every unresolved report matching query with
// result and returns the distinct reporters touched.
func resolveReports(db *gorm.DB, result string, resolverID int, at time.Time, query string, args ...any) ([]int, error) {
	var pending []models.Report
	if err := db.Where(query, args...).Where("result IS NULL").Find(&pending).Error; err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]int, 0, len(pending))
	seen := map[int]bool{}
	var reporters []int
	for _, r := range pending {
		ids = append(ids, r.ID)
		if r.ReporterID != nil && !seen[*r.ReporterID] {
			seen[*r.ReporterID] = true
			reporters = append(reporters, *r.ReporterID)
		}
	}

	err := db.Model(&models.Report{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"result": result, "resolver_id": resolverID, "resolved_at": at}).Error
	return reporters, err
}

// DismissReport resolves report as dismissed.
func (s *Service) DismissReport(ctx context.Context, report *models.Report, moderator *models.Account) error {
	return s.resolve(ctx, report, moderator, models.ReportResultDismissed)
}

// UpholdReport resolves report as upheld.
func (s *Service) UpholdReport(ctx context.Context, report *models.Report, moderator *models.Account) error {
	return s.resolve(ctx, report, moderator, models.ReportResultUpheld)
}

func (s *Service) resolve(ctx context.Context, report *models.Report, moderator *models.Account, result string) error {
	if report.Resolved() {
		return nil
	}
	now := s.now()
	reporters, err := resolveReports(s.db.WithContext(ctx), result, moderator.ID, now, "id = ?", report.ID)
	if err != nil {
		return err
	}
	report.Result = &result
	report.ResolverID = &moderator.ID
	report.ResolvedAt = &now
	return s.recomputeAll(ctx, reporters)
}

func (s *Service) recomputeAll(ctx context.Context, accountIDs []int) error {
	for _, id := range accountIDs {
		var account models.Account
		err := s.db.WithContext(ctx).First(&account, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := s.RecomputeTrustedReports(ctx, &account); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeTrustedReports rescores the account's reports and stores
// whether it is a trusted reporter. Script reports count by outcome; any
// other resolved report counts in the account's favour.
func (s *Service) RecomputeTrustedReports(ctx context.Context, account *models.Account) (bool, error) {
	db := s.db.WithContext(ctx)

	var scriptResolved, scriptUpheld, otherResolved int64
	base := func() *gorm.DB {
		return db.Model(&models.Report{}).Where("reporter_id = ? AND result IS NOT NULL", account.ID)
	}
	if err := base().Where("item_type = ?", models.ReportItemScript).Count(&scriptResolved).Error; err != nil {
		return false, err
	}
	if err := base().Where("item_type = ? AND result = ?", models.ReportItemScript, models.ReportResultUpheld).Count(&scriptUpheld).Error; err != nil {
		return false, err
	}
	if err := base().Where("item_type <> ?", models.ReportItemScript).Count(&otherResolved).Error; err != nil {
		return false, err
	}

	trusted := TrustedReports(scriptResolved+otherResolved, scriptUpheld+otherResolved)

	if err := db.Model(account).Update("trusted_reports", trusted).Error; err != nil {
		return false, err
	}
	account.TrustedReports = trusted
	return trusted, nil
}

// TrustedReports applies the trust threshold to report counts.
func TrustedReports(resolved, upheld int64) bool {
	if resolved < TrustedReportsMinimum {
		return false
	}
	return float64(upheld)/float64(resolved) >= TrustedReportsThreshold
}

type ReportStats struct {
	Pending   int64 `json:"pending"`
	Dismissed int64 `json:"dismissed"`
	Upheld    int64 `json:"upheld"`
}

// ReportStats counts the reports filed by account by outcome, leaving out
// ignoreReportID when it is not zero.
func (s *Service) ReportStats(ctx context.Context, account *models.Account, ignoreReportID int) (ReportStats, error) {
	query := s.db.WithContext(ctx).Model(&models.Report{}).Where("reporter_id = ?", account.ID)
	if ignoreReportID != 0 {
		query = query.Where("id <> ?", ignoreReportID)
	}

	var rows []struct {
		Result *string
		Count  int64
	}
	if err := query.Select("result, count(*) AS count").Group("result").Scan(&rows).Error; err != nil {
		return ReportStats{}, err
	}

	var stats ReportStats
	for _, row := range rows {
		switch {
		case row.Result == nil:
			stats.Pending += row.Count
		case *row.Result == models.ReportResultDismissed:
			stats.Dismissed += row.Count
		case *row.Result == models.ReportResultUpheld:
			stats.Upheld += row.Count
		}
	}
	return stats, nil
}

// LockAllScripts deletes and locks every unlocked script of account with
// one audit record each.
func (s *Service) LockAllScripts(ctx context.Context, account, moderator *models.Account, reason string, deleteType int) error {
	var scripts []models.Script
	err := s.db.WithContext(ctx).
		Joins("JOIN authors ON authors.script_id = scripts.id").
		Where("authors.account_id = ? AND scripts.locked = ?", account.ID, false).
		Find(&scripts).Error
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range scripts {
			if err := deleteAndLock(tx, &scripts[i], moderator, reason, deleteType); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, script := range scripts {
		s.invalidate(script.ID)
	}
	return nil
}

func deleteAndLock(tx *gorm.DB, script *models.Script, moderator *models.Account, reason string, deleteType int) error {
	script.DeleteReason = reason
	script.Locked = true
	script.DeleteType = &deleteType
	err := tx.Model(script).Updates(map[string]any{
		"delete_reason": reason,
		"locked":        true,
		"delete_type":   deleteType,
	}).Error
	if err != nil {
		return err
	}

	return tx.Create(&models.ModeratorAction{
		ModeratorID: moderator.ID,
		ScriptID:    &script.ID,
		Action:      ActionDeleteAndLock,
		Reason:      reason,
	}).Error
}

// DeleteAccount removes account together with every script it authored
// alone. A banned account leaves a salted hash of its canonical email
// behind so the address cannot register again. Deleting an account that
// is already gone only makes sure the hash exists.
func (s *Service) DeleteAccount(ctx context.Context, account *models.Account) error {
	var destroyed []int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var scriptIDs []int
		if err := tx.Model(&models.Author{}).Where("account_id = ?", account.ID).Pluck("script_id", &scriptIDs).Error; err != nil {
			return err
		}

		for _, scriptID := range scriptIDs {
			var others int64
			if err := tx.Model(&models.Author{}).
				Where("script_id = ? AND account_id <> ?", scriptID, account.ID).
				Count(&others).Error; err != nil {
				return err
			}
			if others > 0 {
				continue
			}
			if err := DestroyScript(tx, scriptID); err != nil {
				return err
			}
			destroyed = append(destroyed, scriptID)
		}

		if err := tx.Where("account_id = ?", account.ID).Delete(&models.Author{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", account.ID).Delete(&models.Identity{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.Account{}, account.ID).Error; err != nil {
			return err
		}

		if account.Banned() && account.CanonicalEmail != "" {
			return s.recordBannedEmail(tx, account)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting account %d: %w", account.ID, err)
	}

	for _, id := range destroyed {
		s.invalidate(id)
	}
	s.logger.Info("account deleted", "account", account.ID, "scripts_destroyed", len(destroyed))
	return nil
}

func (s *Service) recordBannedEmail(tx *gorm.DB, account *models.Account) error {
	hash := s.hashEmail(account.CanonicalEmail)

	var existing int64
	if err := tx.Model(&models.BannedEmailHash{}).Where("email_hash = ?", hash).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	return tx.Create(&models.BannedEmailHash{
		EmailHash: hash,
		BannedAt:  *account.BannedAt,
		DeletedAt: s.now(),
	}).Error
}

func (s *Service) hashEmail(canonical string) string {
	sum := sha1.Sum([]byte(s.salt + canonical))
	return hex.EncodeToString(sum[:])
}

// EmailPreviouslyBannedAndDeleted reports whether address belonged to a
// banned account that has since been deleted.
func (s *Service) EmailPreviouslyBannedAndDeleted(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.BannedEmailHash{}).
		Where("email_hash = ?", s.hashEmail(email.Canonical(address))).
		Count(&count).Error
	return count > 0, err
}

// EmailBanned reports whether address may not be used to register: it
// belongs to a banned account or to a banned account that was deleted.
func (s *Service) EmailBanned(ctx context.Context, address string) (bool, error) {
	canonical := email.Canonical(address)
	if canonical == "" {
		return false, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("canonical_email = ? AND banned_at IS NOT NULL", canonical).
		Count(&count).Error
	if err != nil || count > 0 {
		return count > 0, err
	}
	return s.EmailPreviouslyBannedAndDeleted(ctx, address)
}

// DestroyScript removes a script and everything hanging off it.
func DestroyScript(tx *gorm.DB, scriptID int) error {
	var versionIDs []int
	if err := tx.Model(&models.ScriptVersion{}).Where("script_id = ?", scriptID).Pluck("id", &versionIDs).Error; err != nil {
		return err
	}

	if len(versionIDs) > 0 {
		if err := tx.Exec("DELETE FROM script_version_screenshots WHERE script_version_id IN ?", versionIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("script_version_id IN ?", versionIDs).Delete(&models.VersionLocalizedAttribute{}).Error; err != nil {
			return err
		}
		if err := tx.Where("script_id = ?", scriptID).Delete(&models.ScriptVersion{}).Error; err != nil {
			return err
		}
	}

	if err := tx.Where("script_id = ?", scriptID).Delete(&models.ScriptLocalizedAttribute{}).Error; err != nil {
		return err
	}
	if err := tx.Where("script_id = ?", scriptID).Delete(&models.Author{}).Error; err != nil {
		return err
	}
	return tx.Delete(&models.Script{}, scriptID).Error
}

func (s *Service) invalidate(scriptID int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(scriptID); err != nil {
		s.logger.Warn("failed to invalidate script cache", "script", scriptID, "err", err)
	}
}
