package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the YAML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(filepath.Join(cfg.DataDir, "mailsync.db"), log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	var accounts []mail.Account
	imapSettings := make(map[string]imap.Settings)
	for _, ac := range cfg.Accounts {
		a := ac.Account()
		if err := st.UpsertAccount(ctx, a); err != nil {
			log.WithError(err).WithField("account", a.ID).Fatal("failed to store account")
		}
		accounts = append(accounts, a)
		if a.Provider == mail.ProviderIMAP {
			imapSettings[a.ID] = imap.Settings{
				Host:     ac.IMAP.Host,
				Port:     ac.IMAP.Port,
				Username: ac.IMAP.Username,
				TLS:      ac.IMAP.TLS,
			}
		}
	}

	stored, err := st.ListAccounts(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to list stored accounts")
	}
	for _, a := range stored {
		if _, ok := cfg.Account(a.ID); ok {
			continue
		}
		log.WithField("account", a.ID).Info("removing unconfigured account")
		if err := st.DeleteAccount(ctx, a.ID); err != nil {
			log.WithError(err).WithField("account", a.ID).Fatal("failed to remove account")
		}
	}

	resolver := &auth.Resolver{PasswordEnv: cfg.PasswordEnv()}
	if cfg.Auth.ServerURL != "" {
		resolver.OAuth = auth.NewBetterAuthClient(cfg.Auth.ServerURL, cfg.Auth.ServiceToken, log)
	}

	backends := sync.NewBackends(resolver, log)
	backends.Register(mail.ProviderGoogle, sync.Backend{
		Scopes:     gmail.Scopes,
		NewService: gmail.Factory(cfg.Gmail.QuotaPerSecond, log),
		Errors:     gmail.Mapper{},
	})
	backends.Register(mail.ProviderMicrosoft, sync.Backend{
		Scopes:     outlook.Scopes,
		NewService: outlook.Factory(log),
		Errors:     outlook.Mapper{},
	})
	backends.Register(mail.ProviderIMAP, sync.Backend{
		NewService: imap.Factory(func(id string) (imap.Settings, bool) {
			s, ok := imapSettings[id]
			return s, ok
		}, log),
		Errors: imap.Mapper{},
	})

	syncCfg := sync.Config{
		DiscoveryPageSize: cfg.Sync.DiscoveryPageSize,
		ThreadPageSize:    cfg.Sync.ThreadPageSize,
		MessagePageSize:   cfg.Sync.MessagePageSize,
		EvictionAge:       cfg.Sync.EvictionAge,
		DataDir:           cfg.DataDir,
	}

	// Job events are only worth recording when something publishes them.
	var events sync.EventRecorder
	var publisher *natsjs.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = natsjs.NewPublisher(cfg.NATS.URL, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.WithError(err).Fatal("failed to ensure NATS stream")
		}
		events = st
	}

	mgr := sync.NewManager(st, backends, events, syncCfg, log)
	defer mgr.StopAll()
	mgr.ObserveAccounts(ctx, accounts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(ctx)
	})
	g.Go(func() error {
		(&sync.Scheduler{
			Jobs:     mgr.Controller,
			Folders:  mgr.Folders,
			Store:    st,
			Interval: cfg.Sync.CheckInterval,
			Log:      log.WithField("component", "scheduler"),
		}).Run(ctx)
		return nil
	})
	if publisher != nil {
		g.Go(func() error {
			(&sync.OutboxDispatcher{
				Outbox:    st,
				Publisher: publisher,
				Log:       log.WithField("component", "outbox"),
			}).Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return api.New(ctx, mgr, st, log).Run(ctx, cfg.HTTP.Addr)
	})

	log.WithField("accounts", len(accounts)).Info("mailsync started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("mailsync stopped")
	}
	log.Info("mailsync stopped")
}
