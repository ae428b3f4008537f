package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deploymate/deploymate/internal/application"
	"github.com/deploymate/deploymate/internal/infrastructure/config"
	"github.com/deploymate/deploymate/internal/infrastructure/gitlab_http"
	"github.com/deploymate/deploymate/internal/infrastructure/logging"
	"github.com/deploymate/deploymate/internal/infrastructure/store_fs"
	"github.com/deploymate/deploymate/internal/server"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard API and the background pipeline watcher",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}

		gl := gitlab_http.New(cfg.GitLab.BaseURL, cfg.GitLab.Token, cfg.GitLab.Timeout)
		groups := store_fs.NewGroupStore(cfg.Store.GroupsPath)
		history := store_fs.NewHistoryStore(cfg.Store.HistoryPath)

		poller := application.NewPoller(gl, log)
		fetcher := application.NewFetcher(gl, log)
		locks := application.NewKeyedMutex()
		sched := application.NewScheduler(log, gl, fetcher, poller, groups, cfg.Poll.Interval, cfg.Poll.PauseFile)

		watchGroups(cfg.Store.GroupsPath, log, sched)

		oauth := &oauth2.Config{
			ClientID:     cfg.GitLab.OAuth.ClientID,
			ClientSecret: cfg.GitLab.OAuth.ClientSecret,
			RedirectURL:  cfg.GitLab.OAuth.RedirectURL,
			Scopes:       cfg.GitLab.OAuth.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.GitLab.BaseURL + "/oauth/authorize",
				TokenURL: cfg.GitLab.BaseURL + "/oauth/token",
			},
		}

		engine := server.New(server.Deps{
			Log:             log,
			Factory:         gl,
			Groups:          groups,
			History:         history,
			Scheduler:       sched,
			Poller:          poller,
			Locks:           locks,
			OAuth:           oauth,
			ClientOrigin:    cfg.Server.ClientOrigin,
			SessionTTL:      cfg.Server.SessionTTL,
			JobPollAttempts: cfg.Poll.JobAttempts,
			JobPollInterval: cfg.Poll.JobInterval,
		})

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		srv := &http.Server{Addr: cfg.Server.Addr, Handler: engine}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", zap.Error(err))
				cancel()
			}
		}()

		log.Info("start",
			zap.String("version", version),
			zap.String("addr", cfg.Server.Addr),
			zap.Duration("every", cfg.Poll.Interval),
			zap.String("gitlab", cfg.GitLab.BaseURL),
			zap.String("groups", cfg.Store.GroupsPath),
			zap.String("pause_file", cfg.Poll.PauseFile),
		)
		sched.Run(ctx)

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// watchGroups kicks the scheduler when the group store changes on disk, so
// a hand-edited groups.json shows up without waiting for the next tick.
// Editors rewrite via rename, hence the debounce.
func watchGroups(path string, log *zap.Logger, sched *application.Scheduler) {
	if path == "" {
		return
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		fire := func() {
			log.Debug("group store changed on disk")
			sched.Kick()
		}
		startTimer := func() {
			if timer == nil {
				timer = time.AfterFunc(300*time.Millisecond, fire)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(300 * time.Millisecond)
			}
		}

		if err := w.Add(dir); err != nil {
			log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
			return
		}

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				if filepath.Base(ev.Name) != base {
					continue
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					startTimer()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
