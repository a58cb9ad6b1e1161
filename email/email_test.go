package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"scriptorium/config"
	"scriptorium/models"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"User@Example.com", "user@example.com"},
		{"  user+scripts@example.com ", "user@example.com"},
		{"first.last+x@GoogleMail.com", "firstlast@gmail.com"},
		{"f.i.r.s.t@gmail.com", "first@gmail.com"},
		{"first.last@example.org", "first.last@example.org"},
		{"", ""},
		{"no-at-sign", ""},
		{"@example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Canonical(tt.input))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("someone@example.com"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("someone@localhost"))
	assert.False(t, Valid("Someone <someone@example.com>"))
	assert.False(t, Valid("not an email"))
}

func TestChecker(t *testing.T) {
	checker := NewChecker([]string{"Mailinator.com", " trashmail.net ", ""})
	ctx := context.Background()

	assert.True(t, checker.CheckAccount(ctx, &models.Account{}))
	assert.True(t, checker.CheckAccount(ctx, &models.Account{Email: "dev@example.com"}))
	assert.False(t, checker.CheckAccount(ctx, &models.Account{Email: "x@mailinator.com"}))
	assert.False(t, checker.CheckAccount(ctx, &models.Account{Email: "x@eu.trashmail.net"}))
	assert.False(t, checker.CheckAccount(ctx, &models.Account{Email: "broken"}))
}

func TestConfirmationLink(t *testing.T) {
	svc := NewEmailService(config.EmailConfig{}, "https://scripts.example")
	assert.Equal(t, "https://scripts.example/accounts/confirm/abc", svc.ConfirmationLink("abc"))
	assert.Error(t, svc.SendConfirmationEmail("x@example.com", "abc"))
}
