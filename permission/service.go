// Package permission decides whether an account may publish scripts.
package permission

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"scriptorium/models"
)

type Posting string

const (
	Allowed           Posting = "allowed"
	NeedsConfirmation Posting = "needs_confirmation"
	Blocked           Posting = "blocked"
)

// ConfirmationPeriod is how long a new account on a spammy domain is held
// back regardless of confirmation state.
const ConfirmationPeriod = 5 * time.Minute

// RecaptchaGracePeriod is how old an author's oldest live script must be
// before submissions skip the challenge.
const RecaptchaGracePeriod = 30 * 24 * time.Hour

type PermissionService struct {
	db      *gorm.DB
	domains *expirable.LRU[string, *models.SpammyEmailDomain]
	now     func() time.Time
}

func NewPermissionService(db *gorm.DB) *PermissionService {
	return &PermissionService{
		db:      db,
		domains: expirable.NewLRU[string, *models.SpammyEmailDomain](1024, nil, time.Minute),
		now:     time.Now,
	}
}

// WithClock replaces the time source, used by tests.
func (s *PermissionService) WithClock(now func() time.Time) *PermissionService {
	s.now = now
	return s
}

// Evaluate returns the account's posting permission. Rules are checked in
// order and the first match wins:
//  1. any linked identity: allowed
//  2. no email on file: allowed
//  3. spammy domain that blocks posting: blocked
//  4. spammy domain and account younger than ConfirmationPeriod: needs confirmation
//  5. unconfirmed: needs confirmation
//  6. allowed
func (s *PermissionService) Evaluate(ctx context.Context, account *models.Account) (Posting, error) {
	identities, err := s.identityCount(ctx, account)
	if err != nil {
		return "", err
	}
	if identities > 0 {
		return Allowed, nil
	}

	if account.Email == "" {
		return Allowed, nil
	}

	domain, err := s.spammyDomain(ctx, models.EmailDomain(account.Email))
	if err != nil {
		return "", err
	}
	if domain != nil {
		if domain.BlocksScriptPosting() {
			return Blocked, nil
		}
		if s.inConfirmationPeriod(account) {
			return NeedsConfirmation, nil
		}
	}

	if !account.Confirmed() {
		return NeedsConfirmation, nil
	}

	return Allowed, nil
}

// AllowPostingProfile reports whether the account may show a public
// profile: it must be allowed to post and have published something.
func (s *PermissionService) AllowPostingProfile(ctx context.Context, account *models.Account) (bool, error) {
	posting, err := s.Evaluate(ctx, account)
	if err != nil || posting != Allowed {
		return false, err
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&models.Script{}).
		Joins("JOIN authors ON authors.script_id = scripts.id").
		Where("authors.account_id = ? AND scripts.delete_type IS NULL", account.ID).
		Count(&count).Error
	return count > 0, err
}

// NeedsToRecaptcha is true until the account has a live script older than
// RecaptchaGracePeriod.
func (s *PermissionService) NeedsToRecaptcha(ctx context.Context, account *models.Account) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Script{}).
		Joins("JOIN authors ON authors.script_id = scripts.id").
		Where("authors.account_id = ? AND scripts.delete_type IS NULL AND scripts.created_at <= ?",
			account.ID, s.now().Add(-RecaptchaGracePeriod)).
		Count(&count).Error
	return count == 0, err
}

func (s *PermissionService) inConfirmationPeriod(account *models.Account) bool {
	return account.CreatedAt.After(s.now().Add(-ConfirmationPeriod))
}

func (s *PermissionService) identityCount(ctx context.Context, account *models.Account) (int, error) {
	if account.Identities != nil {
		return len(account.Identities), nil
	}
	if account.ID == 0 {
		return 0, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Identity{}).
		Where("account_id = ?", account.ID).
		Count(&count).Error
	return int(count), err
}

func (s *PermissionService) spammyDomain(ctx context.Context, domain string) (*models.SpammyEmailDomain, error) {
	if cached, ok := s.domains.Get(domain); ok {
		return cached, nil
	}

	var found models.SpammyEmailDomain
	err := s.db.WithContext(ctx).Where("domain = ?", domain).First(&found).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.domains.Add(domain, nil)
		return nil, nil
	case err != nil:
		return nil, err
	}

	s.domains.Add(domain, &found)
	return &found, nil
}
