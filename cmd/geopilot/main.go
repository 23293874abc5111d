package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/geopilot/geopilot/internal/log"
	"github.com/geopilot/geopilot/internal/model"
	"github.com/geopilot/geopilot/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configFileName = "geopilot.yaml"

var (
	userConfigPath string // /default/config/path/geopilot on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "geopilot")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configFileName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initGeopilot

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("geopilot failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "geopilot",
	Short:        "Validation job engine for geodata deliveries",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the validation workers and the cleanup schedule",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer func() {
			_ = enc.Close()
		}()
		return enc.Encode(redacted(config))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a geopilot",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("geopilot: version info not available")
			return
		}
		fmt.Printf("geopilot: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("geopilot",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	supervisor, err := service.NewSupervisor(ctx, config)
	if err != nil {
		return err
	}
	err = supervisor.Do(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initGeopilot(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("GEOPILOTCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configFileName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		var err error
		configPath, err = storeDefault(cmd.Context())
		if err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("config"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	config.ApplyEnv(model.NewEnv())
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config %s with %s_* environment overrides: %w", configPath, model.EnvPrefix, err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))

	slog.Debug("geopilot run", "configPath", configPath)
	return nil
}

func storeDefault(ctx context.Context) (string, error) {
	config = model.DefaultConfig(ctx)
	path := filepath.Join(userConfigPath, configFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(config); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	return path, nil
}

// redacted hides the credentials before printing.
func redacted(cfg model.Config) model.Config {
	if cfg.Cloud == nil {
		return cfg
	}
	c := *cfg.Cloud
	if c.SecretKey != "" {
		c.SecretKey = "***"
	}
	cfg.Cloud = &c
	return cfg
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && info.Mode().IsRegular()
}
