package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/palettelabs/palettesync/pkg/auth"
	"github.com/palettelabs/palettesync/pkg/gateway"
	"github.com/palettelabs/palettesync/pkg/metrics"
	"github.com/palettelabs/palettesync/pkg/presence"
	"github.com/palettelabs/palettesync/pkg/registry"
	"github.com/palettelabs/palettesync/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		addr            string
		logLevel        string
		logJSON         bool
		tokens          []string
		anyToken        bool
		opLogCapacity   int
		maxParticipants int
		roomIdle        time.Duration
		s3Bucket        string
		s3Prefix        string
		snapshotDelay   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration gateway",
		Long: `Start the WebSocket gateway.

Tokens are static credentials of the form token=user[:Name]. With
--any-token the server instead accepts every non-empty token and uses
it as the user id; that mode is for local development only.

Examples:
  palettesync serve --token s3cret=alice:Alice --token hunter2=bob
  palettesync serve --any-token --addr :9000
  palettesync serve --any-token --s3-bucket palettes --s3-prefix prod/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveOptions{
				addr:            addr,
				logLevel:        logLevel,
				logJSON:         logJSON,
				tokens:          tokens,
				anyToken:        anyToken,
				opLogCapacity:   opLogCapacity,
				maxParticipants: maxParticipants,
				roomIdle:        roomIdle,
				s3Bucket:        s3Bucket,
				s3Prefix:        s3Prefix,
				snapshotDelay:   snapshotDelay,
			})
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8090", "Listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "Static credential token=user[:Name] (repeatable)")
	cmd.Flags().BoolVar(&anyToken, "any-token", false, "Accept any non-empty token (development only)")
	cmd.Flags().IntVar(&opLogCapacity, "oplog", 100, "Operations kept per room for delta resync")
	cmd.Flags().IntVar(&maxParticipants, "max-participants", 50, "Participant cap per room (0 = unlimited)")
	cmd.Flags().DurationVar(&roomIdle, "room-idle", 30*time.Minute, "How long an empty room survives")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for palette snapshots (empty = no persistence)")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "palettes/", "Key prefix for snapshot objects")
	cmd.Flags().DurationVar(&snapshotDelay, "snapshot-delay", 2*time.Second, "Debounce before persisting a changed room")

	return cmd
}

type serveOptions struct {
	addr            string
	logLevel        string
	logJSON         bool
	tokens          []string
	anyToken        bool
	opLogCapacity   int
	maxParticipants int
	roomIdle        time.Duration
	s3Bucket        string
	s3Prefix        string
	snapshotDelay   time.Duration
}

func runServe(opts serveOptions) error {
	logger, err := newLogger(opts.logLevel, opts.logJSON)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	provider, err := newProvider(opts)
	if err != nil {
		return err
	}

	metrics.Init()

	regCfg := registry.DefaultConfig()
	regCfg.OpLogCapacity = opts.opLogCapacity
	regCfg.MaxParticipantsPerRoom = opts.maxParticipants
	regCfg.RoomIdleTimeout = opts.roomIdle
	reg := registry.New(regCfg, logger)

	tracker := presence.NewTracker(presence.DefaultConfig(), logger)

	gwCfg := gateway.DefaultConfig()
	gwCfg.Address = opts.addr
	srv := gateway.New(gwCfg, provider, reg, tracker, logger)

	if opts.s3Bucket != "" {
		s3c, err := store.NewS3Client(context.Background())
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		saver := store.NewS3Saver(s3c, opts.s3Bucket, opts.s3Prefix)
		srv.SetPersistence(store.NewDebouncer(saver, srv.SnapshotFunc(), opts.snapshotDelay, logger))
		logger.Info("snapshot persistence enabled",
			"bucket", opts.s3Bucket, "prefix", opts.s3Prefix, "delay", opts.snapshotDelay)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("listening", "addr", opts.addr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, gateway.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gwCfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string, jsonOut bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
}

// newProvider builds the identity provider from --token entries, or the
// permissive development provider under --any-token.
func newProvider(opts serveOptions) (auth.Provider, error) {
	if opts.anyToken {
		return auth.ProviderFunc(func(_ context.Context, token string) (auth.Identity, error) {
			if token == "" {
				return auth.Identity{}, auth.ErrMissingToken
			}
			return auth.Identity{ID: token, Name: token}, nil
		}), nil
	}
	if len(opts.tokens) == 0 {
		return nil, errors.New("no credentials: pass --token entries or --any-token")
	}

	provider := auth.NewStaticProvider()
	for _, entry := range opts.tokens {
		token, ident, ok := strings.Cut(entry, "=")
		if !ok || token == "" || ident == "" {
			return nil, fmt.Errorf("malformed --token %q, want token=user[:Name]", entry)
		}
		userID, name, hasName := strings.Cut(ident, ":")
		if !hasName {
			name = userID
		}
		provider.Add(token, auth.Identity{ID: userID, Name: name})
	}
	return provider, nil
}
