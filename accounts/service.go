// Package accounts registers, signs in and confirms accounts.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"scriptorium/common"
	"scriptorium/email"
	"scriptorium/models"
)

const (
	MinPasswordLength = 8
	MaxNameLength     = 50
	passwordCost      = 12
)

// ConfirmationSender delivers the confirmation link to a new account.
type ConfirmationSender interface {
	SendConfirmationEmail(to, token string) error
}

// BannedEmails reports whether an address belongs to a banned account or
// one that was banned and deleted.
type BannedEmails interface {
	EmailBanned(ctx context.Context, address string) (bool, error)
}

type Service struct {
	db     *gorm.DB
	mailer ConfirmationSender
	banned BannedEmails
	now    func() time.Time
	logger *slog.Logger
}

func NewService(db *gorm.DB, mailer ConfirmationSender, banned BannedEmails) *Service {
	return &Service{
		db:     db,
		mailer: mailer,
		banned: banned,
		now:    time.Now,
		logger: slog.Default().With("system", "accounts"),
	}
}

// PrepareForSave recomputes the fields derived from the email address.
// Every path that writes an account calls it first.
func PrepareForSave(account *models.Account) {
	account.Email = strings.TrimSpace(account.Email)
	account.CanonicalEmail = email.Canonical(account.Email)
	account.EmailDomain = models.EmailDomain(account.Email)
}

type RegisterInput struct {
	Name     string `form:"name" json:"name" binding:"required"`
	Email    string `form:"email" json:"email" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

// Register creates an unconfirmed account and sends the confirmation
// link. A failed delivery is logged and does not undo the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.Account, error) {
	db := s.db.WithContext(ctx)

	name := strings.TrimSpace(in.Name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return nil, invalid("name must be between 1 and 50 characters")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, invalid("password must be at least 8 characters")
	}
	if !email.Valid(in.Email) {
		return nil, invalid("email is invalid")
	}

	account := &models.Account{Name: name, Email: in.Email}
	PrepareForSave(account)

	var spammy models.SpammyEmailDomain
	err := db.Where("domain = ? AND block_type = ?", account.EmailDomain, models.BlockTypeRegister).First(&spammy).Error
	if err == nil {
		return nil, invalid("this email domain is not allowed to register")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	banned, err := s.banned.EmailBanned(ctx, account.Email)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, invalid("this email address has been banned")
	}

	var taken int64
	if err := db.Model(&models.Account{}).
		Where("LOWER(email) = ? OR LOWER(name) = ?", strings.ToLower(account.Email), strings.ToLower(name)).
		Count(&taken).Error; err != nil {
		return nil, err
	}
	if taken > 0 {
		return nil, common.NewError(common.KindConflict, common.WithMessage("name or email is already taken"))
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	sessionToken, err := generateToken()
	if err != nil {
		return nil, err
	}

	account.PasswordHash = hash
	account.ConfirmationToken = token
	account.SessionToken = sessionToken
	if err := db.Create(account).Error; err != nil {
		return nil, err
	}

	if err := s.mailer.SendConfirmationEmail(account.Email, token); err != nil {
		s.logger.Error("could not send confirmation email", "account", account.ID, "err", err)
	}
	return account, nil
}

// Authenticate checks credentials. Wrong credentials and banned accounts
// are both Forbidden.
func (s *Service) Authenticate(ctx context.Context, address, password string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(address))).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewError(common.KindForbidden, common.WithMessage("invalid email or password"))
	}
	if err != nil {
		return nil, err
	}

	if !checkPasswordHash(password, account.PasswordHash) {
		return nil, common.NewError(common.KindForbidden, common.WithMessage("invalid email or password"))
	}
	if account.Banned() {
		return nil, common.NewError(common.KindForbidden, common.WithMessage("this account has been banned"))
	}

	if account.SessionToken == "" {
		if err := s.RotateSession(ctx, &account); err != nil {
			return nil, err
		}
	}
	return &account, nil
}

// Confirm marks the account holding token as confirmed.
func (s *Service) Confirm(ctx context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, common.NewError(common.KindNotFound, common.WithMessage("invalid confirmation token"))
	}

	var account models.Account
	err := s.db.WithContext(ctx).Where("confirmation_token = ?", token).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewError(common.KindNotFound, common.WithMessage("invalid confirmation token"))
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	account.ConfirmedAt = &now
	account.ConfirmationToken = ""
	PrepareForSave(&account)
	if err := s.db.WithContext(ctx).Save(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// RotateSession replaces the session token, signing the account out
// everywhere else.
func (s *Service) RotateSession(ctx context.Context, account *models.Account) error {
	token, err := generateToken()
	if err != nil {
		return err
	}
	account.SessionToken = token
	return s.db.WithContext(ctx).Model(account).Update("session_token", token).Error
}

func invalid(msg string) error {
	return common.NewError(common.KindValidation, common.WithMessage(msg))
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	return string(bytes), err
}

func checkPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
