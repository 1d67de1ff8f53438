package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/connectify/pkg/chatsync"
	"github.com/mahaj/connectify/pkg/config"
	"github.com/mahaj/connectify/pkg/identity"
	"github.com/mahaj/connectify/pkg/metrics"
	"github.com/mahaj/connectify/pkg/model"
	"github.com/mahaj/connectify/pkg/notify"
	"github.com/mahaj/connectify/pkg/presence"
	"github.com/mahaj/connectify/pkg/push"
	"github.com/mahaj/connectify/pkg/store"
	"github.com/mahaj/connectify/pkg/transcript"
	"github.com/mahaj/connectify/pkg/transport"
)

const shutdownTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:          "connectify",
	Short:        "Terminal chat client for a Connectify relay",
	SilenceUsage: true,
	RunE:         runChat,
}

var (
	flagEnvFile  string
	flagRelayURL string
	flagDataDir  string
	flagLogLevel string
	flagAway     bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", ".env", "optional dotenv file read before the environment")
	flags.StringVar(&flagRelayURL, "relay-url", "", "relay websocket URL (overrides RELAY_URL)")
	flags.StringVar(&flagDataDir, "data-dir", "", "directory for identity and push state (overrides DATA_DIR)")
	flags.StringVar(&flagLogLevel, "log-level", "", "zerolog level (overrides LOG_LEVEL)")
	flags.BoolVar(&flagAway, "away", false, "start with the chat hidden so notifications are shown")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat command")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagRelayURL != "" {
		cfg.RelayURL = flagRelayURL
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	core := metrics.New()

	var lookup identity.IPLookupFunc
	if cfg.IPLookupURL != "" {
		lookup = identity.NewIPLookup(cfg.IPLookupURL, &http.Client{Timeout: 5 * time.Second})
	}
	resolver := identity.NewResolver(identity.WithStore(db), identity.WithIPLookup(lookup))
	deviceID := resolver.Resolve(ctx)
	log.Info().Str("device_id", deviceID).Msg("[chat] identity resolved")

	out := &console{w: cmd.OutOrStdout(), localID: deviceID}

	var header http.Header
	if cfg.AuthToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.AuthToken}}
	}
	sess, err := transport.New(transport.Config{
		URL:              cfg.RelayURL,
		DeviceID:         deviceID,
		Header:           header,
		Attempts:         cfg.Attempts,
		Delay:            cfg.Delay,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Metrics:          core,
	})
	if err != nil {
		return err
	}
	sess.OnState(func(st model.ConnectionState) {
		out.printf("* %s", st)
	})

	visibility := notify.NewVisibility(!flagAway)
	permissions := notify.NewPermissions(model.PermissionDefault, notify.StaticPrompter(model.Permission(cfg.NotifyPermission)))
	notifier := &notify.TerminalNotifier{W: out}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		LocalID:     deviceID,
		Permissions: permissions,
		Visibility:  visibility,
		Sound:       notify.TerminalBell{W: out},
		Notifier:    notifier,
		URL:         push.DefaultScope,
		Metrics:     core,
	})
	platform := push.NewLocalPlatform(db, cfg.PushEndpoint,
		push.WithPermission(permissions.State),
		push.WithNotifier(notifier),
		push.WithFocuser(visibility),
	)
	click := func(ctx context.Context, action string) bool {
		return clickPending(ctx, notifier, dispatcher, platform, action)
	}

	servers := serve(cfg, core, platform)

	chat, err := chatsync.New(chatsync.Config{
		Session:   sess,
		LocalID:   deviceID,
		OnMessage: func(m model.Message) { dispatcher.Dispatch(ctx, m) },
		Metrics:   core,
	})
	if err != nil {
		return err
	}
	updates, unsubscribe := chat.Subscribe()
	defer unsubscribe()

	var mirror *presence.RedisMirror
	if cfg.RedisAddr != "" {
		mirror = presence.NewRedisMirror(cfg.RedisAddr, cfg.PresenceTTL)
	}
	var exporter *transcript.KafkaExporter
	if len(cfg.KafkaBrokers) > 0 {
		exporter = transcript.NewKafkaExporter(cfg.KafkaBrokers, cfg.KafkaTopic, deviceID)
	}

	log.Info().Str("url", cfg.RelayURL).Msg("[chat] connecting")
	if err := sess.Connect(ctx); err != nil {
		_ = chat.Close()
		return fmt.Errorf("connect relay: %w", err)
	}

	permissions.AutoRequest(ctx)
	if advisory := permissions.Advisory(); advisory != "" {
		out.printf("! %s", advisory)
	}

	pushes, err := push.NewManager(push.Config{
		Platform:  platform,
		Session:   sess,
		ServerKey: cfg.VAPIDPublicKey,
		RequestPermission: func(ctx context.Context) (model.Permission, error) {
			return permissions.Request(ctx)
		},
	})
	if err != nil {
		return err
	}
	subscribePush := func() {
		sub, err := pushes.EnsureSubscribed(ctx)
		if err != nil {
			if !errors.Is(err, push.ErrDisposed) {
				out.printf("! push unavailable: %v", err)
			}
			return
		}
		log.Info().Str("endpoint", sub.Endpoint).Msg("[chat] push subscription ready")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subscribePush()
		return nil
	})
	g.Go(func() error {
		for u := range updates {
			out.render(u)
			switch {
			case u.Kind == chatsync.UpdatePresence && mirror != nil:
				if err := mirror.Publish(gctx, deviceID, u.Presence); err != nil {
					log.Warn().Err(err).Msg("[chat] presence mirror failed")
				}
			case u.Kind == chatsync.UpdateAppend && exporter != nil:
				if err := exporter.Export(gctx, u.Message); err != nil {
					log.Warn().Err(err).Msg("[chat] transcript export failed")
				}
			}
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				out.printf("! disconnected from the relay: %v", err)
				out.printf("! sending is disabled; restart to reconnect")
			}
		case <-gctx.Done():
		}
		return nil
	})

	// stdin is not interruptible, so the reader lives outside the group
	go readInput(ctx, os.Stdin, stop, out, chat, sess, permissions, visibility, click, subscribePush)

	<-ctx.Done()
	log.Info().Msg("[chat] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = chat.Close()
	sd, _ := errgroup.WithContext(shutdownCtx)
	sd.Go(func() error { return pushes.Dispose(shutdownCtx) })
	sd.Go(func() error { return sess.Close(shutdownCtx) })
	if mirror != nil {
		sd.Go(mirror.Close)
	}
	if exporter != nil {
		sd.Go(exporter.Close)
	}
	for _, srv := range servers {
		sd.Go(func() error { return srv.Shutdown(shutdownCtx) })
	}
	if err := sd.Wait(); err != nil {
		log.Warn().Err(err).Msg("[chat] shutdown")
	}
	return g.Wait()
}

// clickPending routes the pending banner to whichever side raised it. Pushed
// notifications carry actions; foreground ones do not.
func clickPending(ctx context.Context, notifier *notify.TerminalNotifier, dispatcher *notify.Dispatcher, platform *push.LocalPlatform, action string) bool {
	n, ok := notifier.Pending()
	if !ok {
		return false
	}
	if len(n.Actions) > 0 {
		platform.HandleClick(ctx, n, action)
	} else {
		dispatcher.Click(ctx, n, action)
	}
	return true
}

func readInput(
	ctx context.Context,
	in io.Reader,
	quit context.CancelFunc,
	out *console,
	chat *chatsync.Synchronizer,
	sess chatsync.Session,
	permissions *notify.Permissions,
	visibility *notify.Visibility,
	click func(context.Context, string) bool,
	subscribePush func(),
) {
	defer quit()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if cmd, ok := parseCommand(line); ok {
			switch cmd.name {
			case "quit", "exit":
				return
			case "away":
				visibility.SetVisible(false)
				out.printf("* away, notifications on")
			case "back":
				visibility.SetVisible(true)
				out.printf("* back")
			case "open", "dismiss":
				action := notify.ActionOpen
				if cmd.name == "dismiss" {
					action = notify.ActionClose
				}
				if !click(ctx, action) {
					out.printf("* no notification")
				} else if cmd.name == "open" {
					out.printf("* back")
				}
			case "notify":
				perm, err := permissions.Request(ctx)
				if err != nil {
					out.printf("! permission request failed: %v", err)
					continue
				}
				out.printf("* notifications %s", perm)
				if advisory := permissions.Advisory(); advisory != "" {
					out.printf("! %s", advisory)
				}
			case "push":
				subscribePush()
			case "status":
				out.printf("* %s as %s, relay reports you %s", sess.State(), chat.LocalID(), chat.Presence())
			default:
				out.printf("%s", helpText)
			}
			continue
		}

		if !chat.CanSend() {
			if !model.IsBlank(line) {
				out.printf("! %s, message not sent", sess.State())
			}
			continue
		}
		if _, err := chat.Send(ctx, unescapeSlash(line)); err != nil {
			switch {
			case errors.Is(err, chatsync.ErrEmptyText):
			case errors.Is(err, chatsync.ErrClosed), errors.Is(err, context.Canceled):
				return
			default:
				out.printf("! not sent: %v", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("[chat] read input")
	}
}

// serve starts the optional HTTP listeners. Metrics and push share a server when
// they are configured on the same address.
func serve(cfg *config.Config, core *metrics.Core, platform *push.LocalPlatform) []*http.Server {
	muxes := make(map[string]*http.ServeMux)
	muxFor := func(addr string) *http.ServeMux {
		if muxes[addr] == nil {
			muxes[addr] = http.NewServeMux()
		}
		return muxes[addr]
	}
	if cfg.MetricsAddr != "" {
		muxFor(cfg.MetricsAddr).Handle("/metrics", core.Handler())
		log.Info().Msgf("[chat] metrics at http://%s/metrics", cfg.MetricsAddr)
	}
	if cfg.PushListen != "" {
		muxFor(cfg.PushListen).Handle("/push/{id}", push.Handler(platform))
		log.Info().Msgf("[chat] accepting push messages at http://%s/push/{id}", cfg.PushListen)
	}

	servers := make([]*http.Server, 0, len(muxes))
	for addr, mux := range muxes {
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Str("addr", addr).Msg("[chat] http server stopped")
			}
		}()
	}
	return servers
}
