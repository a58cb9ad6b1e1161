package testutils

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"scriptorium/models"
)

// CreateAccount inserts a confirmed account. Options may adjust it before
// it is saved.
func CreateAccount(t *testing.T, db *gorm.DB, name string, opts ...func(*models.Account)) *models.Account {
	t.Helper()

	confirmed := time.Now().Add(-time.Hour)
	account := &models.Account{
		Name:            name,
		Email:           name + "@example.com",
		CanonicalEmail:  name + "@example.com",
		EmailDomain:     "example.com",
		ConfirmedAt:     &confirmed,
		PreferredMarkup: "markdown",
		CreatedAt:       time.Now().Add(-24 * time.Hour),
	}
	for _, opt := range opts {
		opt(account)
	}

	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to create account %s: %v", name, err)
	}
	return account
}

func CreateModerator(t *testing.T, db *gorm.DB, name string) *models.Account {
	t.Helper()
	return CreateAccount(t, db, name, func(a *models.Account) {
		a.Moderator = true
	})
}

// UserScript builds minimal valid userscript source.
func UserScript(name, version string) string {
	return fmt.Sprintf(`// ==UserScript==
// @name        %s
// @namespace   https://example.com/%s
// @description Does something useful
// @version     %s
// @match       https://example.com/*
// ==/UserScript==

console.log("hello from %s");
`, name, name, version, name)
}

// CreateScript inserts a script authored by owner with one version per
// entry of versions. Derived fields follow the last version.
func CreateScript(t *testing.T, db *gorm.DB, owner *models.Account, name string, versions ...string) *models.Script {
	t.Helper()

	if len(versions) == 0 {
		versions = []string{"1.0"}
	}

	script := &models.Script{
		ScriptType: models.ScriptTypePublic,
		Language:   "js",
		LocaleCode: "en",
		Name:       name,
		Namespace:  "https://example.com/" + name,
	}
	if err := db.Create(script).Error; err != nil {
		t.Fatalf("failed to create script: %v", err)
	}
	if err := db.Create(&models.Author{ScriptID: script.ID, AccountID: owner.ID}).Error; err != nil {
		t.Fatalf("failed to create author: %v", err)
	}

	for i, v := range versions {
		sv := &models.ScriptVersion{
			ScriptID:  script.ID,
			Code:      UserScript(name, v),
			CodeHash:  fmt.Sprintf("hash-%d-%s-%s", script.ID, name, v),
			Version:   v,
			Namespace: script.Namespace,
			CreatedAt: time.Now().Add(time.Duration(i-len(versions)) * time.Minute),
		}
		if err := db.Create(sv).Error; err != nil {
			t.Fatalf("failed to create version: %v", err)
		}
		script.Version = v
		script.Description = "Does something useful"
	}

	if err := db.Save(script).Error; err != nil {
		t.Fatalf("failed to save script: %v", err)
	}
	return script
}
