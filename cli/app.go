package cli

import (
	"context"
	"fmt"

	"github.com/taskping/taskping/engine/audit"
	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/infra/cache"
	"github.com/taskping/taskping/engine/infra/memstore"
	"github.com/taskping/taskping/engine/infra/postgres"
	"github.com/taskping/taskping/engine/ingest"
	"github.com/taskping/taskping/engine/lifecycle"
	"github.com/taskping/taskping/engine/nlu"
	"github.com/taskping/taskping/engine/normalizer"
	"github.com/taskping/taskping/engine/reminder"
	"github.com/taskping/taskping/engine/tracker"
	"github.com/taskping/taskping/pkg/config"
	"github.com/taskping/taskping/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds the wired component graph for one process.
type app struct {
	cfg      *config.Config
	engine   *lifecycle.Engine
	gateway  *ingest.Gateway
	poller   *ingest.Poller
	recorder *audit.FileRecorder

	pool  *pgxpool.Pool
	redis *redis.Client
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	return config.Load(path)
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	repo, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	providerIDs, dedupe := a.buildCache()

	chats := make(map[string]string, len(cfg.Reminder.Assignees))
	phones := make(map[string]string, len(cfg.Reminder.Assignees))
	for assigneeID, assignee := range cfg.Reminder.Assignees {
		chats[assigneeID] = assignee.ChatID
		phones[assigneeID] = assignee.Phone
	}
	telegram := channel.NewTelegram(channel.TelegramConfig{
		BaseURL:  cfg.Telegram.BaseURL,
		BotToken: cfg.Telegram.BotToken,
		Chats:    chats,
	})
	twilioCfg := channel.TwilioConfig{
		BaseURL:    cfg.Twilio.BaseURL,
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		FromPhone:  cfg.Twilio.FromPhone,
		Phones:     phones,
	}
	adapters := []channel.Adapter{
		telegram,
		channel.NewVoice(twilioCfg, providerIDs),
		channel.NewSMS(twilioCfg, providerIDs),
	}

	trackerClient := tracker.NewClient(tracker.Config{
		BaseURL:  cfg.Tracker.BaseURL,
		APIKey:   cfg.Tracker.APIKey,
		TeamID:   cfg.Tracker.TeamID,
		ListName: cfg.Tracker.ListName,
		Timeout:  cfg.Tracker.Timeout,
	})
	var classifier normalizer.Classifier
	if cfg.NLU.BaseURL != "" {
		classifier = nlu.NewClient(nlu.Config{
			BaseURL: cfg.NLU.BaseURL,
			APIKey:  cfg.NLU.APIKey,
			Timeout: cfg.NLU.Timeout,
		})
	}

	recorder, err := audit.NewFileRecorder(cfg.Audit.Path)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	a.recorder = recorder

	lifecycleCfg, err := buildLifecycleConfig(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.engine = lifecycle.New(
		repo,
		adapters,
		trackerClient,
		recorder,
		normalizer.New(classifier, cfg.NLU.ConfidenceThreshold),
		lifecycleCfg,
	)
	a.gateway = ingest.NewGateway(a.engine, repo, providerIDs, dedupe)
	if cfg.Telegram.BotToken != "" {
		a.poller = ingest.NewPoller(telegram, a.gateway)
	}
	return a, nil
}

func (a *app) buildStore(ctx context.Context) (reminder.Repository, error) {
	if a.cfg.Store.Driver != "postgres" {
		return memstore.NewStore(), nil
	}
	if err := postgres.ApplyMigrations(ctx, a.cfg.Store.DSN); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	pool, err := postgres.Connect(ctx, a.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return postgres.NewStore(pool), nil
}

func (a *app) buildCache() (channel.ProviderIDMap, ingest.Deduper) {
	if a.cfg.Redis.Addr == "" {
		return channel.NewMemoryProviderIDMap(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	shared := cache.NewCache(a.redis)
	return shared, shared
}

func (a *app) Close(ctx context.Context) {
	log := logger.FromContext(ctx)
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			log.Warn("closing audit log", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("closing redis client", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func buildLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	defaults, err := parseChannels(cfg.Reminder.DefaultChannels)
	if err != nil {
		return lifecycle.Config{}, err
	}
	perAssignee := make(map[string][]core.ChannelType, len(cfg.Reminder.Assignees))
	for assigneeID, assignee := range cfg.Reminder.Assignees {
		if len(assignee.Channels) == 0 {
			continue
		}
		plan, err := parseChannels(assignee.Channels)
		if err != nil {
			return lifecycle.Config{}, fmt.Errorf("assignee %s: %w", assigneeID, err)
		}
		perAssignee[assigneeID] = plan
	}
	hours, err := channel.NewWorkingHours(
		cfg.Reminder.WorkingHours.Start,
		cfg.Reminder.WorkingHours.End,
		cfg.Reminder.WorkingHours.Timezone,
	)
	if err != nil {
		return lifecycle.Config{}, fmt.Errorf("working hours: %w", err)
	}
	return lifecycle.Config{
		ResponseWindow:   cfg.Reminder.ResponseWindow,
		MaxAttempts:      cfg.Reminder.MaxAttempts,
		DefaultChannels:  defaults,
		AssigneeChannels: perAssignee,
		Hours:            hours,
		WriteBackRetries: uint64(cfg.Reminder.WriteBackRetries),
		StatusMapping:    lifecycle.DefaultStatusMapping(),
	}, nil
}

func parseChannels(names []string) ([]core.ChannelType, error) {
	out := make([]core.ChannelType, 0, len(names))
	for _, name := range names {
		ch, ok := core.ParseChannel(name)
		if !ok {
			return nil, fmt.Errorf("unknown channel %q", name)
		}
		out = append(out, ch)
	}
	return out, nil
}
