package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"scriptorium/accounts"
	"scriptorium/analytics"
	"scriptorium/cache"
	"scriptorium/captcha"
	"scriptorium/common"
	"scriptorium/config"
	"scriptorium/database"
	"scriptorium/email"
	"scriptorium/jobs"
	"scriptorium/models"
	"scriptorium/moderation"
	"scriptorium/permission"
	"scriptorium/scriptcheck"
	"scriptorium/site"
	"scriptorium/versions"
)

func main() {
	app := cli.App{
		Name:  "scriptorium",
		Usage: "user script hosting",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the yaml config file",
				Value:   "config.yaml",
				EnvVars: []string{"SCRIPTORIUM_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the web server and the job worker",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "create or update the database tables",
				Action: runMigrate,
			},
			{
				Name:  "ban",
				Usage: "ban an account and delete its scripts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Usage: "name of the account to ban", Required: true},
					&cli.StringFlag{Name: "moderator", Usage: "name of the acting moderator", Required: true},
					&cli.StringFlag{Name: "reason", Usage: "public reason", Required: true},
					&cli.StringFlag{Name: "private-reason", Usage: "reason shown to moderators only"},
					&cli.BoolFlag{Name: "propagate", Usage: "also ban accounts sharing the canonical email", Value: true},
				},
				Action: runBan,
			},
			{
				Name:   "recompute-trust",
				Usage:  "recompute the trusted-reporter flag of every account that filed reports",
				Action: runRecomputeTrust,
			},
			{
				Name:  "delete-account",
				Usage: "delete an account and its solely authored scripts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Usage: "name of the account to delete", Required: true},
				},
				Action: runDeleteAccount,
			},
		},
	}
	app.RunAndExitOnError()
}

// setup loads the config, installs the logger and opens the database.
func setup(cctx *cli.Context) (*config.AppConfig, *gorm.DB, error) {
	conf, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if _, err := common.SetupSlog(os.Stderr, conf.Log.Level, conf.Log.Format); err != nil {
		return nil, nil, err
	}
	db, err := common.ConnectDb(conf.Database.URL, conf.Database.MaxConnections)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return conf, db, nil
}

func newModerationService(conf *config.AppConfig, db *gorm.DB, store *cache.Store) *moderation.Service {
	return moderation.NewService(db,
		moderation.WithSalt(conf.Moderation.BannedEmailSalt),
		moderation.WithCache(store),
	)
}

func findAccount(ctx context.Context, db *gorm.DB, name string) (*models.Account, error) {
	var account models.Account
	if err := db.WithContext(ctx).Where("name = ?", name).First(&account).Error; err != nil {
		return nil, fmt.Errorf("account %q: %w", name, err)
	}
	return &account, nil
}

func runMigrate(cctx *cli.Context) error {
	_, db, err := setup(cctx)
	if err != nil {
		return err
	}
	return database.RunMigrations(db)
}

func runBan(cctx *cli.Context) error {
	conf, db, err := setup(cctx)
	if err != nil {
		return err
	}
	ctx := cctx.Context

	account, err := findAccount(ctx, db, cctx.String("account"))
	if err != nil {
		return err
	}
	moderator, err := findAccount(ctx, db, cctx.String("moderator"))
	if err != nil {
		return err
	}
	if !moderator.Moderator {
		return fmt.Errorf("%s is not a moderator", moderator.Name)
	}

	svc := newModerationService(conf, db, cache.NewStore(conf.Storage.CacheDir))
	if err := svc.Ban(ctx, account, moderator, cctx.String("reason"), cctx.String("private-reason"), cctx.Bool("propagate")); err != nil {
		return err
	}
	return svc.LockAllScripts(ctx, account, moderator, cctx.String("reason"), models.DeleteTypeKeep)
}

func runRecomputeTrust(cctx *cli.Context) error {
	conf, db, err := setup(cctx)
	if err != nil {
		return err
	}
	ctx := cctx.Context

	var reporters []models.Account
	err = db.WithContext(ctx).
		Where("id IN (?)", db.Model(&models.Report{}).Select("reporter_id").Where("reporter_id IS NOT NULL")).
		Find(&reporters).Error
	if err != nil {
		return err
	}

	svc := newModerationService(conf, db, cache.NewStore(conf.Storage.CacheDir))
	trusted := 0
	for i := range reporters {
		ok, err := svc.RecomputeTrustedReports(ctx, &reporters[i])
		if err != nil {
			return fmt.Errorf("account %d: %w", reporters[i].ID, err)
		}
		if ok {
			trusted++
		}
	}
	slog.Info("recomputed trusted reporters", "accounts", len(reporters), "trusted", trusted)
	return nil
}

func runDeleteAccount(cctx *cli.Context) error {
	conf, db, err := setup(cctx)
	if err != nil {
		return err
	}
	account, err := findAccount(cctx.Context, db, cctx.String("account"))
	if err != nil {
		return err
	}
	svc := newModerationService(conf, db, cache.NewStore(conf.Storage.CacheDir))
	return svc.DeleteAccount(cctx.Context, account)
}

func runServe(cctx *cli.Context) error {
	conf, db, err := setup(cctx)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	if conf.Server.SessionSecret == "" {
		return errors.New("server.session_secret is not set")
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := cache.NewStore(conf.Storage.CacheDir)
	modService := newModerationService(conf, db, store)

	registry := jobs.NewRegistry()
	modService.RegisterJobs(registry)

	var scheduler jobs.Scheduler
	var worker *jobs.RedisScheduler
	if conf.Redis.URL == "" {
		delayed := jobs.NewDelayedScheduler(registry)
		defer delayed.Stop()
		slog.Warn("redis is not configured, delayed jobs are kept in memory")
		scheduler = delayed
	} else {
		client, err := jobs.ConnectRedis(ctx, conf.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		worker = jobs.NewRedisScheduler(client, conf.Redis.QueueKey, registry, conf.Redis.PollEvery)
		scheduler = worker
	}

	permissions := permission.NewPermissionService(db)
	publisher := versions.NewPublisher(db,
		permissions,
		email.NewChecker(conf.Email.DisposableDomains),
		captcha.NewVerifier(conf.Captcha),
		scriptcheck.NewEngine(db, scriptcheck.DefaultRules(conf.Checker.AllowedRequireHosts)...),
		scheduler,
		versions.WithScreenshots(versions.NewDiskScreenshots(conf.Storage.ScreenshotDir)),
		versions.WithCache(store),
		versions.WithBanDelay(conf.Moderation.BanDelay),
	)

	gin.SetMode(conf.Server.Mode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{conf.Server.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	}))

	sessionStore := cookie.NewStore([]byte(conf.Server.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   conf.Server.Mode == gin.ReleaseMode,
	})
	router.Use(sessions.Sessions("scriptorium-session", sessionStore))
	router.Use(common.ReadOnlyMiddleware(func() bool { return conf.Server.ReadOnly }))
	router.Use(accounts.LoadAccount(db))

	router.Static("/public", "./public")
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	accounts.NewAccountsModule(accounts.NewService(db,
		email.NewEmailService(conf.Email, conf.Server.Domain),
		modService,
	), permissions).RegisterRoutes(router)

	versions.NewVersionsModule(publisher,
		accounts.RequireAuth,
		accounts.RequireModerator,
		common.NewRateLimiter(rate.Every(10*time.Second), 5),
	).RegisterRoutes(router)

	moderation.NewModerationModule(db, modService, accounts.RequireAuth, accounts.RequireModerator).RegisterRoutes(router)

	site.NewSiteModule(db, conf.Server.Domain, analytics.NewAnalyticsModule(db), store).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Server.Port),
		Handler:      router,
		ReadTimeout:  conf.Server.ReadTimeout,
		WriteTimeout: conf.Server.WriteTimeout,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("starting server", "port", conf.Server.Port, "read_only", conf.Server.ReadOnly)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if worker != nil {
		eg.Go(func() error {
			slog.Info("starting job worker", "queue", conf.Redis.QueueKey)
			return worker.Run(ctx)
		})
	}

	eg.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := store.ClearOld(site.CodeCacheAge); err != nil {
					slog.Error("clearing code cache", "err", err)
				}
			}
		}
	})

	return eg.Wait()
}
