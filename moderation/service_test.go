package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"scriptorium/jobs"
	"scriptorium/models"
	"scriptorium/scriptcheck"
	"scriptorium/testutils"
)

func createReport(t *testing.T, db *gorm.DB, reporter *models.Account, itemType string, itemID int, result *string) *models.Report {
	t.Helper()
	report := &models.Report{ItemType: itemType, ItemID: itemID, Reason: "spam", Result: result}
	if reporter != nil {
		report.ReporterID = &reporter.ID
	}
	require.NoError(t, db.Create(report).Error)
	return report
}

func strPtr(s string) *string { return &s }

func countActions(t *testing.T, db *gorm.DB, accountID int) int64 {
	var count int64
	require.NoError(t, db.Model(&models.ModeratorAction{}).Where("account_id = ?", accountID).Count(&count).Error)
	return count
}

func TestBan_Idempotent(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	moderator := testutils.CreateModerator(t, db, "mod")
	target := testutils.CreateAccount(t, db, "target")

	require.NoError(t, service.Ban(context.Background(), target, moderator, "spam", "", true))
	firstBan := target.BannedAt
	require.NotNil(t, firstBan)

	require.NoError(t, service.Ban(context.Background(), target, moderator, "spam again", "", true))

	stale := &models.Account{ID: target.ID}
	require.NoError(t, service.Ban(context.Background(), stale, moderator, "from a stale copy", "", true))

	assert.Equal(t, int64(1), countActions(t, db, target.ID))

	var reloaded models.Account
	require.NoError(t, db.First(&reloaded, target.ID).Error)
	require.NotNil(t, reloaded.BannedAt)
	assert.WithinDuration(t, *firstBan, *reloaded.BannedAt, time.Second)
}

func TestBan_ResolvesReports(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	moderator := testutils.CreateModerator(t, db, "mod")
	target := testutils.CreateAccount(t, db, "target")
	witness := testutils.CreateAccount(t, db, "witness")

	filed := createReport(t, db, target, models.ReportItemScript, 1, nil)
	against := createReport(t, db, witness, models.ReportItemAccount, target.ID, nil)
	unrelated := createReport(t, db, witness, models.ReportItemAccount, witness.ID, nil)

	require.NoError(t, service.Ban(context.Background(), target, moderator, "spam", "internal note", true))

	reload := func(id int) models.Report {
		var got models.Report
		require.NoError(t, db.First(&got, id).Error)
		return got
	}

	got := reload(filed.ID)
	require.NotNil(t, got.Result)
	assert.Equal(t, models.ReportResultDismissed, *got.Result)

	got = reload(against.ID)
	require.NotNil(t, got.Result)
	assert.Equal(t, models.ReportResultUpheld, *got.Result)
	assert.Equal(t, moderator.ID, *got.ResolverID)

	got = reload(unrelated.ID)
	assert.Nil(t, got.Result)

	var action models.ModeratorAction
	require.NoError(t, db.Where("account_id = ?", target.ID).First(&action).Error)
	assert.Equal(t, ActionBan, action.Action)
	assert.Equal(t, "internal note", action.PrivateReason)
}

func TestBan_PropagatesToSameCanonicalEmail(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	moderator := testutils.CreateModerator(t, db, "mod")

	sameEmail := func(a *models.Account) { a.CanonicalEmail = "shared@gmail.com" }
	first := testutils.CreateAccount(t, db, "first", sameEmail)
	second := testutils.CreateAccount(t, db, "second", sameEmail)
	already := testutils.CreateAccount(t, db, "already", sameEmail, func(a *models.Account) {
		banned := time.Now().Add(-time.Hour)
		a.BannedAt = &banned
	})
	other := testutils.CreateAccount(t, db, "other")

	require.NoError(t, service.Ban(context.Background(), first, moderator, "sockpuppets", "", true))

	for _, a := range []*models.Account{first, second, already} {
		var reloaded models.Account
		db.First(&reloaded, a.ID)
		assert.True(t, reloaded.Banned(), a.Name)
	}
	var reloadedOther models.Account
	db.First(&reloadedOther, other.ID)
	assert.False(t, reloadedOther.Banned())

	assert.Equal(t, int64(1), countActions(t, db, first.ID))
	assert.Equal(t, int64(1), countActions(t, db, second.ID))
	assert.Equal(t, int64(0), countActions(t, db, already.ID))
}

func TestBan_WithoutPropagation(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	moderator := testutils.CreateModerator(t, db, "mod")

	sameEmail := func(a *models.Account) { a.CanonicalEmail = "shared@example.com" }
	first := testutils.CreateAccount(t, db, "first", sameEmail)
	second := testutils.CreateAccount(t, db, "second", sameEmail)

	require.NoError(t, service.Ban(context.Background(), first, moderator, "one only", "", false))

	var reloaded models.Account
	db.First(&reloaded, second.ID)
	assert.False(t, reloaded.Banned())
}

func TestRecomputeTrustedReports(t *testing.T) {
	tests := []struct {
		name     string
		results  []string
		expected bool
	}{
		{"below minimum sample", []string{models.ReportResultUpheld, models.ReportResultUpheld}, false},
		{"exactly at threshold", []string{models.ReportResultUpheld, models.ReportResultUpheld, models.ReportResultUpheld, models.ReportResultDismissed}, true},
		{"below threshold", []string{models.ReportResultUpheld, models.ReportResultUpheld, models.ReportResultDismissed, models.ReportResultDismissed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutils.SetupTestDB(t)
			service := NewService(db)
			reporter := testutils.CreateAccount(t, db, "reporter")

			for i, result := range tt.results {
				createReport(t, db, reporter, models.ReportItemScript, i+1, strPtr(result))
			}
			createReport(t, db, reporter, models.ReportItemScript, 99, nil)

			trusted, err := service.RecomputeTrustedReports(context.Background(), reporter)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, trusted)

			var reloaded models.Account
			db.First(&reloaded, reporter.ID)
			assert.Equal(t, tt.expected, reloaded.TrustedReports)
		})
	}
}

func TestRecomputeTrustedReports_OtherReportsCountAsUpheld(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	reporter := testutils.CreateAccount(t, db, "reporter")

	createReport(t, db, reporter, models.ReportItemScript, 1, strPtr(models.ReportResultDismissed))
	for i := 0; i < 3; i++ {
		createReport(t, db, reporter, models.ReportItemComment, i+1, strPtr(models.ReportResultDismissed))
	}

	trusted, err := service.RecomputeTrustedReports(context.Background(), reporter)
	require.NoError(t, err)
	assert.True(t, trusted, "3 of 4 count in favour")
}

func TestUpholdReport_UpdatesReporterTrust(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	moderator := testutils.CreateModerator(t, db, "mod")
	reporter := testutils.CreateAccount(t, db, "reporter")

	for i := 0; i < 2; i++ {
		createReport(t, db, reporter, models.ReportItemScript, i+1, strPtr(models.ReportResultUpheld))
	}
	pending := createReport(t, db, reporter, models.ReportItemScript, 3, nil)

	require.NoError(t, service.UpholdReport(context.Background(), pending, moderator))
	assert.True(t, pending.Resolved())

	var reloaded models.Account
	db.First(&reloaded, reporter.ID)
	assert.True(t, reloaded.TrustedReports)

	// resolving twice is a no-op
	require.NoError(t, service.DismissReport(context.Background(), pending, moderator))
	var got models.Report
	db.First(&got, pending.ID)
	assert.Equal(t, models.ReportResultUpheld, *got.Result)
}

func TestReportStats(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	reporter := testutils.CreateAccount(t, db, "reporter")

	createReport(t, db, reporter, models.ReportItemScript, 1, nil)
	ignored := createReport(t, db, reporter, models.ReportItemScript, 2, nil)
	createReport(t, db, reporter, models.ReportItemScript, 3, strPtr(models.ReportResultDismissed))
	createReport(t, db, reporter, models.ReportItemAccount, 4, strPtr(models.ReportResultUpheld))
	createReport(t, db, reporter, models.ReportItemAccount, 5, strPtr(models.ReportResultUpheld))

	stats, err := service.ReportStats(context.Background(), reporter, ignored.ID)
	require.NoError(t, err)
	assert.Equal(t, ReportStats{Pending: 1, Dismissed: 1, Upheld: 2}, stats)
}

func TestDeleteAccount(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)

	banned := time.Now().Add(-time.Hour)
	account := testutils.CreateAccount(t, db, "leaver", func(a *models.Account) {
		a.Email = "Leaver+tag@Example.com"
		a.CanonicalEmail = "leaver@example.com"
		a.BannedAt = &banned
	})
	partner := testutils.CreateAccount(t, db, "partner")

	solo := testutils.CreateScript(t, db, account, "solo", "1.0", "1.1")
	shared := testutils.CreateScript(t, db, account, "shared")
	db.Create(&models.Author{ScriptID: shared.ID, AccountID: partner.ID})

	require.NoError(t, service.DeleteAccount(context.Background(), account))
	require.NoError(t, service.DeleteAccount(context.Background(), account))

	var count int64
	db.Model(&models.Account{}).Where("id = ?", account.ID).Count(&count)
	assert.Equal(t, int64(0), count)

	db.Model(&models.Script{}).Where("id = ?", solo.ID).Count(&count)
	assert.Equal(t, int64(0), count)
	db.Model(&models.ScriptVersion{}).Where("script_id = ?", solo.ID).Count(&count)
	assert.Equal(t, int64(0), count)

	db.Model(&models.Script{}).Where("id = ?", shared.ID).Count(&count)
	assert.Equal(t, int64(1), count)
	db.Model(&models.Author{}).Where("script_id = ?", shared.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	db.Model(&models.BannedEmailHash{}).Count(&count)
	assert.Equal(t, int64(1), count)

	previously, err := service.EmailPreviouslyBannedAndDeleted(context.Background(), "leaver@EXAMPLE.com")
	require.NoError(t, err)
	assert.True(t, previously)

	previously, err = service.EmailPreviouslyBannedAndDeleted(context.Background(), "someone@example.com")
	require.NoError(t, err)
	assert.False(t, previously)
}

func TestDeleteAccount_NotBannedLeavesNoHash(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	account := testutils.CreateAccount(t, db, "regular")

	require.NoError(t, service.DeleteAccount(context.Background(), account))

	var count int64
	db.Model(&models.BannedEmailHash{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestEmailBanned(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	moderator := testutils.CreateModerator(t, db, "mod")
	account := testutils.CreateAccount(t, db, "bad", func(a *models.Account) {
		a.Email = "bad@example.com"
		a.CanonicalEmail = "bad@example.com"
	})

	banned, err := service.EmailBanned(context.Background(), "Bad+alt@example.com")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, service.Ban(context.Background(), account, moderator, "spam", "", true))

	banned, err = service.EmailBanned(context.Background(), "Bad+alt@example.com")
	require.NoError(t, err)
	assert.True(t, banned)
}

type recordingCache struct {
	invalidated []int
}

func (r *recordingCache) Invalidate(scriptID int) error {
	r.invalidated = append(r.invalidated, scriptID)
	return nil
}

func TestLockAllScripts(t *testing.T) {
	db := testutils.SetupTestDB(t)
	cache := &recordingCache{}
	service := NewService(db, WithCache(cache))
	moderator := testutils.CreateModerator(t, db, "mod")
	author := testutils.CreateAccount(t, db, "author")

	one := testutils.CreateScript(t, db, author, "one")
	two := testutils.CreateScript(t, db, author, "two")
	db.Model(two).Update("locked", true)

	require.NoError(t, service.LockAllScripts(context.Background(), author, moderator, "malware", models.DeleteTypeBlanked))

	var reloaded models.Script
	db.First(&reloaded, one.ID)
	assert.True(t, reloaded.Locked)
	assert.True(t, reloaded.Deleted())
	assert.Equal(t, models.DeleteTypeBlanked, *reloaded.DeleteType)
	assert.Equal(t, "malware", reloaded.DeleteReason)

	var actions []models.ModeratorAction
	db.Where("action = ?", ActionDeleteAndLock).Find(&actions)
	require.Len(t, actions, 1)
	assert.Equal(t, one.ID, *actions[0].ScriptID)
	assert.Equal(t, []int{one.ID}, cache.invalidated)
}

func TestBanAndDeleteScript_Job(t *testing.T) {
	db := testutils.SetupTestDB(t)
	service := NewService(db)
	testutils.CreateModerator(t, db, "system")
	author := testutils.CreateAccount(t, db, "badactor")
	script := testutils.CreateScript(t, db, author, "malware")

	registry := jobs.NewRegistry()
	service.RegisterJobs(registry)

	payload := BanAndDeletePayload{
		ScriptID: script.ID,
		Findings: []scriptcheck.Finding{{Rule: "blocked_text", Verdict: scriptcheck.Ban, PublicReason: "Malware", PrivateReason: "matched miner"}},
	}
	_, err := jobs.NewInlineScheduler(registry).Schedule(context.Background(), JobBanAndDelete, payload, 5*time.Minute)
	require.NoError(t, err)

	var reloaded models.Script
	db.First(&reloaded, script.ID)
	assert.True(t, reloaded.Locked)
	assert.True(t, reloaded.Deleted())
	assert.Equal(t, "Malware", reloaded.DeleteReason)

	var account models.Account
	db.First(&account, author.ID)
	assert.True(t, account.Banned())

	var action models.ModeratorAction
	require.NoError(t, db.Where("account_id = ?", author.ID).First(&action).Error)
	assert.Equal(t, "matched miner", action.PrivateReason)
}

func TestBanAndDeleteScript_MissingScript(t *testing.T) {
	db := testutils.SetupTestDB(t)
	assert.NoError(t, NewService(db).BanAndDeleteScript(context.Background(), 404, nil))
}

func TestTrustedReports(t *testing.T) {
	assert.False(t, TrustedReports(2, 2))
	assert.True(t, TrustedReports(4, 3))
	assert.False(t, TrustedReports(4, 2))
}
