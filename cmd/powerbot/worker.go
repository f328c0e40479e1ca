package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/powerbot/powerbot/backup"
	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/discord"
	"github.com/powerbot/powerbot/eventqueue"
	"github.com/powerbot/powerbot/internal/profile"
	"github.com/powerbot/powerbot/progress"
	"github.com/powerbot/powerbot/store"
	"github.com/powerbot/powerbot/stream"
	"github.com/powerbot/powerbot/supervisor"
	"github.com/powerbot/powerbot/web"
	"github.com/powerbot/powerbot/wsocket"
	"github.com/powerbot/powerbot/youtube"
)

// workerCmd is the re-exec entrypoint the supervisor spawns. Each worker
// runs in its own process so one crash never takes down the console.
var workerCmd = &cobra.Command{
	Use:    "worker <kind>",
	Short:  "Run a single worker process",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		kind := args[0]
		if !supervisor.ValidKind(kind) {
			return errors.Errorf("unknown worker kind %q", kind)
		}

		instanceProfile, err := loadProfile()
		if err != nil {
			return err
		}
		logger := slog.Default().With("worker", kind)

		ctx, cancel := shutdownContext()
		defer cancel()

		switch supervisor.Kind(kind) {
		case supervisor.KindWeb:
			return runWebWorker(ctx, instanceProfile, logger)
		case supervisor.KindWsocket:
			return runWsocketWorker(ctx, instanceProfile, logger)
		case supervisor.KindBackup:
			return runBackupWorker(ctx, instanceProfile, logger)
		case supervisor.KindDiscord:
			return runDiscordWorker(ctx, instanceProfile, logger)
		case supervisor.KindYouTube:
			return runYouTubeWorker(ctx, instanceProfile, logger)
		}
		return nil
	},
}

func openStore(ctx context.Context, p *profile.Profile) (*store.Store, error) {
	s, err := store.Open(p)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func runWebWorker(ctx context.Context, p *profile.Profile, logger *slog.Logger) error {
	s, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	livefeed, err := config.OpenLivefeed(filepath.Join(p.Data, "livefeed.json"))
	if err != nil {
		return err
	}
	return web.NewServer(p, s, livefeed, logger).Start(ctx, p.WebAddr())
}

func runWsocketWorker(ctx context.Context, p *profile.Profile, logger *slog.Logger) error {
	return wsocket.NewHub(logger).Start(ctx, p.WsocketAddr())
}

func runBackupWorker(ctx context.Context, p *profile.Profile, logger *slog.Logger) error {
	s, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	snapshots, err := backup.NewSnapshots(p.DBPath(), p.ServiceDataDir("backup"))
	if err != nil {
		return err
	}
	schedule, err := config.OpenAutosave(filepath.Join(p.Data, "autosave.json"))
	if err != nil {
		return err
	}
	svc := backup.NewService(
		s.GetDB(), p.BackupDB, snapshots, schedule,
		time.Duration(p.BackupPollSeconds)*time.Second,
		time.Duration(p.HealthcheckSeconds)*time.Second,
		p.HealthcheckVerbose, logger)
	return svc.Run(ctx)
}

func runDiscordWorker(ctx context.Context, p *profile.Profile, logger *slog.Logger) error {
	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		return errors.New("DISCORD_BOT_TOKEN is required for the discord worker")
	}
	announceChannel := os.Getenv("DISCORD_ANNOUNCE_CHANNEL")
	admins := splitList(os.Getenv("DISCORD_ADMIN_IDS"))

	s, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	economy, err := config.OpenEconomyConfig(filepath.Join(p.Data, "economy.json"))
	if err != nil {
		return err
	}
	tracker := progress.NewTracker(p.ServiceDataDir("progress"))
	queue := eventqueue.New(filepath.Join(p.Data, "events.json"))

	session := discord.NewSession(token, logger)
	bot := discord.NewBot(s, economy, tracker, session, admins, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(ctx, bot.HandleMessage)
	})
	if announceChannel != "" {
		g.Go(func() error {
			discord.NewDrainer(queue, session, announceChannel, logger).Run(ctx)
			return nil
		})
	} else {
		logger.Warn("DISCORD_ANNOUNCE_CHANNEL not set, queued events will not be announced")
	}
	return g.Wait()
}

func runYouTubeWorker(ctx context.Context, p *profile.Profile, logger *slog.Logger) error {
	apiKey := os.Getenv("YOUTUBE_API_KEY")
	channelID := os.Getenv("YOUTUBE_CHANNEL_ID")
	if apiKey == "" || channelID == "" {
		return errors.New("YOUTUBE_API_KEY and YOUTUBE_CHANNEL_ID are required for the youtube worker")
	}
	pollSeconds := 60
	if v := os.Getenv("YOUTUBE_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 10 {
			pollSeconds = n
		}
	}

	s, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()

	economy, err := config.OpenEconomyConfig(filepath.Join(p.Data, "economy.json"))
	if err != nil {
		return err
	}
	tracker := progress.NewTracker(p.ServiceDataDir("progress"))
	queue := eventqueue.New(filepath.Join(p.Data, "events.json"))

	client, err := youtube.NewAPIClient(ctx, channelID, option.WithAPIKey(apiKey))
	if err != nil {
		return err
	}
	watcher := stream.NewWatcher(filepath.Join(p.ServiceDataDir("youtube_bot"), "stream_state.json"))

	var listener *youtube.Listener
	stopListener := func() {
		if listener != nil {
			listener.Stop()
			listener = nil
		}
	}
	defer stopListener()

	ticker := time.NewTicker(time.Duration(pollSeconds) * time.Second)
	defer ticker.Stop()

	check := func() {
		state, changed, err := watcher.Detect(ctx, client)
		if err != nil {
			logger.Warn("stream detection failed", "error", err)
			return
		}
		if !changed {
			return
		}
		// Broadcast swap or live/offline flip: restart the chat listener
		// against the new chat.
		stopListener()
		if !state.IsLive {
			logger.Info("stream went offline")
			return
		}
		logger.Info("stream is live", "video_id", state.VideoID, "title", state.Title)
		if err := queue.Push(eventqueue.TypeStreamLive, map[string]string{
			"title": state.Title,
			"url":   state.URL,
		}); err != nil {
			logger.Warn("failed to queue stream announcement", "error", err)
		}
		if state.LiveChatID == "" {
			logger.Warn("live broadcast has no chat id, listener not started")
			return
		}

		bot := youtube.NewBot(s, economy, queue, tracker, client, state.LiveChatID, "youtube:"+channelID, logger)
		listener = youtube.NewListener(client, state.LiveChatID, youtube.DefaultPollInterval, logger,
			bot.EarningHandler(), bot.CommandHandler())
		if err := listener.Start(ctx); err != nil {
			logger.Error("failed to start chat listener", "error", err)
			listener = nil
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check()
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
