package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	cacheVersionFlag   string
	generationFlag     string
	watchFlag          bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:           "offline-cache",
	Short:         "Offline-first caching proxy for static sites",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the configured version and serve requests",
	RunE:  serve,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured version, then exit",
	RunE:  install,
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List cache generations, or the entries of one with --cache",
	RunE:  entries,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cache generation of the configured version (or --cache)",
	RunE:  clearCache,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the program version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flags.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flags.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flags.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flags.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db, default cache.db)")
	flags.StringVar(&cacheVersionFlag, "cache-version", "", "Version of the deployment (names the cache generation)")
	flags.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flags.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	serveCmd.Flags().BoolVar(&watchFlag, "watch", false, "Register a new version when the config file changes")
	entriesCmd.Flags().StringVar(&generationFlag, "cache", "", "Cache generation to list")
	clearCmd.Flags().StringVar(&generationFlag, "cache", "", "Cache generation to delete")

	rootCmd.AddCommand(serveCmd, installCmd, entriesCmd, clearCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed")
	}
}

func setupLogging() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
	return nil
}

func loadConfig() (Config, error) {
	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			return config, err
		}
	}
	return config.withFlags(), nil
}

func serve(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	storage, closeStorage, err := openStorage(config.DB)
	if err != nil {
		return err
	}
	defer closeStorage()
	workerConfig, err := config.workerConfig(storage, &log.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	network := fetch.NewOriginFetcher(workerConfig.OriginURL, workerConfig.OriginHost, workerConfig.CrossOrigins)
	reg := offlinecache.NewRegistration(network, &log.Logger)
	defer reg.Close()
	if _, err := reg.Register(ctx, workerConfig); err != nil {
		return err
	}

	if watchFlag && configFilenameFlag != "" {
		watcher := &configWatcher{
			filename: configFilenameFlag,
			debounce: 500 * time.Millisecond,
			log:      log.Logger,
			onChange: func(changed Config) {
				redeploy(ctx, reg, changed.withFlags(), storage)
			},
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: offlinecache.NewHandler(reg, log.Logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, workerConfig.OriginURL.String(), workerConfig.OriginHost)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// redeploy registers a new worker when the config names a new version.
func redeploy(ctx context.Context, reg *offlinecache.Registration, config Config, storage cache.Storage) {
	active := reg.Active()
	if active != nil && active.Version() == config.Version {
		log.Debug().Str("cacheVersion", config.Version).Msg("Config changed, same version")
		return
	}
	workerConfig, err := config.workerConfig(storage, &log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("Invalid config")
		return
	}
	log.Info().Str("cacheVersion", config.Version).Msg("New version deployed")
	if _, err := reg.Register(ctx, workerConfig); err != nil {
		log.Error().Err(err).Msg("Could not register new version")
	}
}

func install(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	storage, closeStorage, err := openStorage(config.DB)
	if err != nil {
		return err
	}
	defer closeStorage()
	workerConfig, err := config.workerConfig(storage, &log.Logger)
	if err != nil {
		return err
	}
	w := offlinecache.NewWorker(workerConfig)
	defer w.Close()
	if err := w.Install(cmd.Context()); err != nil {
		return err
	}
	return w.Activate()
}

func entries(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	storage, closeStorage, err := openStorage(config.DB)
	if err != nil {
		return err
	}
	defer closeStorage()

	out := cmd.OutOrStdout()
	if generationFlag == "" {
		names, err := storage.Keys()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil
	}
	if ok, err := storage.Has(generationFlag); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no cache named %s", generationFlag)
	}
	gen, err := storage.Open(generationFlag)
	if err != nil {
		return err
	}
	return listEntries(out, gen)
}

// listEntries prints method, URL and storage time of every entry.
func listEntries(out io.Writer, gen cache.Generation) error {
	keys, err := gen.Keys()
	if err != nil {
		return err
	}
	keyer := cachekey.CacheKeyer{}
	for _, key := range keys {
		req, err := keyer.GetRequestFromKey(key)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping entry")
			continue
		}
		entry, ok, err := gen.Match(key)
		if err != nil {
			return err
		}
		if !ok {
			// deleted in the meantime
			continue
		}
		fmt.Fprintf(out, "%s %s %s\n", req.Method, req.URL, entry.StoredAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func clearCache(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	storage, closeStorage, err := openStorage(config.DB)
	if err != nil {
		return err
	}
	defer closeStorage()

	name := generationFlag
	if name == "" {
		name = offlinecache.Config{CachePrefix: config.CachePrefix, Version: config.Version}.CacheName()
	}
	deleted, err := storage.Delete(name)
	if err != nil {
		return err
	}
	if !deleted {
		log.Warn().Str("cache", name).Msg("Nothing to clear")
		return nil
	}
	log.Info().Str("cache", name).Msg("Cache cleared")
	return nil
}
