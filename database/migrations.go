package database

import (
	"log/slog"

	"gorm.io/gorm"

	"scriptorium/analytics"
	"scriptorium/models"
)

// Tables lists every table the application owns, in dependency order.
func Tables() []any {
	return []any{
		&models.Account{},
		&models.Identity{},
		&models.SpammyEmailDomain{},
		&models.Script{},
		&models.Author{},
		&models.ScriptVersion{},
		&models.ScriptLocalizedAttribute{},
		&models.VersionLocalizedAttribute{},
		&models.Screenshot{},
		&models.ModeratorAction{},
		&models.Report{},
		&models.BannedEmailHash{},
		&models.BlockedScriptText{},
		&analytics.InstallEvent{},
	}
}

func RunMigrations(db *gorm.DB) error {
	slog.Info("running database migrations")

	if err := db.AutoMigrate(Tables()...); err != nil {
		slog.Error("migrations failed", "err", err)
		return err
	}

	slog.Info("migrations completed")
	return nil
}
