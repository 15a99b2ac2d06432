package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"heron/internal/app"
)

var (
	home         string
	passphrase   string
	directoryURL string
	policyPath   string
	debug        bool

	logger   *zap.Logger
	registry = prometheus.NewRegistry()
	wired    *app.Wire
)

func Execute() error {
	// a missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}

	root := &cobra.Command{
		Use:          "heron",
		Short:        "Authenticated, forward-secret sessions between two identities",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if debug {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return err
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".heron")
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wired != nil {
				if err := wired.Close(); err != nil {
					return err
				}
			}
			_ = logger.Sync()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", os.Getenv("HERON_HOME"), "state dir (default ~/.heron)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", os.Getenv("HERON_PASSPHRASE"), "passphrase protecting the identity")
	root.PersistentFlags().StringVar(&directoryURL, "directory", os.Getenv("HERON_DIRECTORY"), "directory base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&policyPath, "policy", os.Getenv("HERON_POLICY"), "YAML session policy file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "human-readable debug logging")

	root.AddCommand(initCmd(), fingerprintCmd(), trustCmd(), registerCmd(), unregisterCmd(), serveCmd(), dialCmd(), demoCmd())
	return root.Execute()
}

// wire builds the dependency graph once.
func wire() (*app.Wire, error) {
	if wired != nil {
		return wired, nil
	}
	w, err := app.NewWire(app.Config{
		Home:         home,
		DirectoryURL: directoryURL,
		Passphrase:   passphrase,
		PolicyPath:   policyPath,
		Logger:       logger,
		Registerer:   registry,
	})
	if err != nil {
		return nil, err
	}
	wired = w
	return w, nil
}

func requirePassphrase() error {
	if passphrase == "" {
		return errors.New("passphrase required (-p or HERON_PASSPHRASE)")
	}
	return nil
}
