package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "bluenote-peer",
		Short:        "Bluenote peer: local notes store with device-to-device sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newSyncCommand(),
		newPairCommand(),
		newUnpairCommand(),
		newDevicesCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("device-name", defaults.GetString("device.name"), "Name of this device, used when its identity is created")
	flags.String("pairing-secret", "", "Secret shared by every paired device (overrides env)")
	flags.Duration("sync-interval", defaults.GetDuration("sync.interval"), "Time between background sync rounds")
	flags.Duration("sync-timeout", defaults.GetDuration("sync.timeout"), "Timeout for dialing and diffing one peer")
	flags.Int("sync-peer-concurrency", defaults.GetInt("sync.peer_concurrency"), "Peers diffed at once")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "pairing.secret", "pairing-secret")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.timeout", "sync-timeout")
	bindFlag(cmd, "sync.peer_concurrency", "sync-peer-concurrency")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	return config.ReadFile(viper.GetViper(), cfgFile)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and companion endpoint and sync in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round against every sync-enabled device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, rt *peerApp) error {
				report, err := rt.orchestrator.SyncAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func newPairCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "pair <device-id> <address>",
		Short: "Enable sync with a device reachable at address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, rt *peerApp) error {
				device, err := rt.devices.EnableSync(ctx, args[0], name, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, device)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name of the device")
	return cmd
}

func newUnpairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Stop syncing with a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, rt *peerApp) error {
				return rt.devices.DisableSync(ctx, args[0])
			})
		},
	}
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Show this device and every known peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, rt *peerApp) error {
				self, err := rt.devices.Self(ctx)
				if err != nil {
					return err
				}
				peers, err := rt.devices.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"self": self, "peers": peers})
			})
		},
	}
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withApp(signalCtx, func(ctx context.Context, rt *peerApp) error {
		handler, err := rt.httpHandler()
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              rt.config.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			rt.logger.Info("server starting",
				zap.String("address", rt.config.HTTPAddress),
				zap.String("device_id", rt.self.DeviceID))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		go rt.orchestrator.Run(ctx, rt.config.SyncInterval)

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
}
