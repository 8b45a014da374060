package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/codefionn/stenobridge/internal/auth"
	"github.com/codefionn/stenobridge/internal/bridge"
	"github.com/codefionn/stenobridge/internal/config"
	"github.com/codefionn/stenobridge/internal/consts"
	"github.com/codefionn/stenobridge/internal/engine"
	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/lookup"
	"github.com/codefionn/stenobridge/internal/pidfile"
	"github.com/codefionn/stenobridge/internal/pprof"
	"github.com/codefionn/stenobridge/internal/secrets"
	"github.com/codefionn/stenobridge/internal/securemem"
	"github.com/codefionn/stenobridge/internal/server"
)

const (
	maxSecretAttempts = 3
	demoInterval      = 2 * time.Second
)

var errVersionRequested = errors.New("version requested")

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*s = append(*s, value)
	return nil
}

func (s stringSlice) toStrings() []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

type options struct {
	configPath     string
	host           string
	port           int
	credentialPath string
	dictionaries   stringSlice
	demo           bool
	logLevel       string
	pidfilePath    string
	pprofAddr      string
	cpuProfile     string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, parseErr := parseArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		if errors.Is(parseErr, errVersionRequested) {
			fmt.Printf("stenobridge %s\n", consts.Version)
			return nil
		}
		return parseErr
	}

	var loggerInitialized bool
	defer func() {
		if !loggerInitialized {
			return
		}
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Environment overrides beat the config file; flags beat both.
	if envLevel := strings.TrimSpace(os.Getenv("STENOBRIDGE_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("STENOBRIDGE_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	applyFlags(cfg, opts)

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	loggerInitialized = true

	logger.Info("stenobridge %s starting", consts.Version)
	logger.Debug("Configuration loaded: addr=%s, credential=%s, log_level=%s",
		cfg.Addr(), cfg.CredentialPath, cfg.LogLevel)

	defer securemem.Cleanup()

	if _, statErr := os.Stat(cfg.CredentialPath); errors.Is(statErr, os.ErrNotExist) {
		if err := provisionCredential(cfg.CredentialPath); err != nil {
			return fmt.Errorf("failed to provision credential: %w", err)
		}
	}

	if opts.pidfilePath != "" {
		pf := pidfile.New(opts.pidfilePath)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if releaseErr := pf.Release(); releaseErr != nil {
				logger.Warn("Failed to remove pidfile: %v", releaseErr)
			}
		}()
	}

	if opts.pprofAddr != "" || opts.cpuProfile != "" {
		prof := pprof.NewHandler(pprof.Config{
			Addr:       opts.pprofAddr,
			CPUProfile: opts.cpuProfile,
		})
		if err := prof.Start(); err != nil {
			return fmt.Errorf("failed to start profiling: %w", err)
		}
		defer func() {
			if profErr := prof.Stop(); profErr != nil {
				logger.Warn("Profiling shutdown: %v", profErr)
			}
		}()
	}

	store, err := auth.NewStore(cfg.CredentialPath)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer store.Close()

	gate := auth.NewGate(store, auth.Config{
		ChallengeTTL:  cfg.ChallengeTTL(),
		FailureBurst:  cfg.AuthFailureBurst,
		FailureRefill: cfg.AuthFailureRefill(),
	})
	defer gate.Close()

	dict, err := loadDictionaries(cfg.Dictionaries)
	if err != nil {
		return err
	}

	br := bridge.New(cfg.EventBufferSize, cfg.CallQueueSize)

	simCfg := engine.SimConfig{
		Dictionary:    dict,
		OutputEnabled: true,
	}
	if opts.demo {
		simCfg.DemoInterval = demoInterval
		logger.Info("Demo mode: emitting scripted strokes every %s", demoInterval)
	}
	sim := engine.NewSim(simCfg)

	runtime := engine.NewRuntime(sim, br)
	if err := runtime.Start(); err != nil {
		br.Close()
		return fmt.Errorf("failed to start engine runtime: %w", err)
	}

	srv, err := server.NewServer(cfg, br, gate)
	if err != nil {
		stopRuntime(runtime, br)
		return err
	}
	srv.SetKnownOptions(sim.KnownOption)

	if err := srv.Start(); err != nil {
		stopRuntime(runtime, br)
		return fmt.Errorf("failed to start server: %w", err)
	}

	scheme := "ws"
	if cfg.TLSEnabled() {
		scheme = "wss"
	}
	logger.Info("Listening on %s://%s/websocket", scheme, srv.Addr())
	fmt.Fprintf(os.Stderr, "stenobridge listening on %s://%s/websocket\n", scheme, srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()

	logger.Info("Shutdown signal received, draining connections")

	// Stop order matters: the server flushes and closes client connections
	// first, then the runtime detaches from the engine, then the bridge
	// rejects whatever is still in flight.
	if stopErr := srv.Stop(); stopErr != nil {
		logger.Error("Server shutdown: %v", stopErr)
		err = stopErr
	}
	stopRuntime(runtime, br)

	logger.Info("stenobridge stopped")
	return err
}

func stopRuntime(runtime *engine.Runtime, br *bridge.Bridge) {
	if stopErr := runtime.Stop(); stopErr != nil {
		logger.Error("Engine runtime shutdown: %v", stopErr)
	}
	br.Close()
}

// applyFlags lays explicit command line values over the loaded config.
func applyFlags(cfg *config.Config, opts *options) {
	if opts.host != "" {
		cfg.Host = opts.host
	}
	if opts.port > 0 {
		cfg.Port = opts.port
	}
	if opts.credentialPath != "" {
		cfg.CredentialPath = opts.credentialPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	for _, path := range opts.dictionaries.toStrings() {
		cfg.AddDictionary(path)
	}
}

func loadDictionaries(paths []string) (lookup.Dictionary, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	dicts := make([]lookup.Dictionary, 0, len(paths))
	for _, path := range paths {
		d, err := lookup.LoadJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load dictionary %s: %w", path, err)
		}
		logger.Info("Loaded dictionary %s (%d entries)", path, d.Entries())
		dicts = append(dicts, d)
	}
	return lookup.NewCollection(dicts...), nil
}

// provisionCredential interactively writes the shared secret on first run.
func provisionCredential(path string) error {
	fmt.Fprintf(os.Stderr, "No credential found at %s\n", path)
	fmt.Fprintln(os.Stderr, "Choose the shared secret clients will authenticate with.")

	for attempt := 0; attempt < maxSecretAttempts; attempt++ {
		secret, err := promptSecret("Enter shared secret: ")
		if err != nil {
			return err
		}
		if secret == "" {
			fmt.Fprintln(os.Stderr, "Secret must not be empty, try again.")
			continue
		}
		confirm, err := promptSecret("Confirm shared secret: ")
		if err != nil {
			securemem.SecureWipeString(&secret)
			return err
		}
		if secret != confirm {
			fmt.Fprintln(os.Stderr, "Secrets do not match, try again.")
			securemem.SecureWipeString(&secret)
			securemem.SecureWipeString(&confirm)
			continue
		}

		cred, err := auth.WriteCredential(path, secret)
		securemem.SecureWipeString(&secret)
		securemem.SecureWipeString(&confirm)
		if err != nil {
			return err
		}

		key, err := cred.DeriveKey()
		if err != nil {
			return err
		}
		fingerprint := secrets.Fingerprint(key)
		securemem.SecureWipe(key)

		fmt.Fprintf(os.Stderr, "Credential written to %s (fingerprint %s)\n", path, fingerprint)
		return nil
	}
	return errors.New("too many attempts")
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("stenobridge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts        options
		showVersion bool
	)

	fs.StringVar(&opts.configPath, "config", "", "Path to the config file")
	fs.StringVar(&opts.host, "host", "", "Listen address (overrides config)")
	fs.IntVar(&opts.port, "port", 0, "Listen port (overrides config)")
	fs.StringVar(&opts.credentialPath, "credential", "", "Path to the shared credential file (overrides config)")
	fs.Var(&opts.dictionaries, "dict", "Steno dictionary for lookups, JSON format (repeatable)")
	fs.BoolVar(&opts.demo, "demo", false, "Emit a scripted stroke feed instead of waiting for a machine")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none (overrides config)")
	fs.StringVar(&opts.pidfilePath, "pidfile", "", "Write the daemon PID to this file")
	fs.StringVar(&opts.pprofAddr, "pprof-addr", "", "Serve profiling endpoints on this address (e.g. localhost:6060)")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	fs.BoolVar(&showVersion, "version", false, "Print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Bridges a stenography engine to WebSocket clients.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if showVersion {
		return nil, errVersionRequested
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	return &opts, nil
}
