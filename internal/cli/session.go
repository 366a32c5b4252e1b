package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ppiankov/procwarden/internal/config"
	"github.com/ppiankov/procwarden/internal/knowledge"
	"github.com/ppiankov/procwarden/internal/logging"
	"github.com/ppiankov/procwarden/internal/provenance"
)

// session holds what every command derives from the config file.
type session struct {
	cfg      *config.Config
	log      *logrus.Logger
	env      string
	verifier provenance.Verifier
	manager  string
	store    *knowledge.Store
}

// loadSession reads the config and builds the logger, environment,
// verifier and knowledge store. The store is loaded before returning.
func loadSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	env := resolveEnvironment(cfg)

	var (
		verifier provenance.Verifier = provenance.Disabled{}
		manager                      = provenance.ManagerNone
	)
	if cfg.Features.VerifyPackages {
		verifier, manager, err = provenance.New(cfg.PackageManager, env, cfg.QueryTimeout)
		if err != nil {
			return nil, err
		}
	}

	store := knowledge.NewStore(knowledgePath(cfg), env, log)
	store.Load()

	return &session{
		cfg:      cfg,
		log:      log,
		env:      env,
		verifier: verifier,
		manager:  manager,
		store:    store,
	}, nil
}

func resolveEnvironment(cfg *config.Config) string {
	if cfg.Environment != "" {
		return cfg.Environment
	}
	return knowledge.DetectEnvironment("/")
}

func knowledgePath(cfg *config.Config) string {
	if cfg.KnowledgeBase != "" {
		return cfg.KnowledgeBase
	}
	return knowledge.DefaultPath()
}

// openStore loads the knowledge base without building the rest of the
// session. Used by kb subcommands that must work without a package manager.
func openStore() (*knowledge.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	store := knowledge.NewStore(knowledgePath(cfg), resolveEnvironment(cfg), log)
	store.Load()
	return store, nil
}
