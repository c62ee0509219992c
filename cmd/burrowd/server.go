package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/deploy"
	"github.com/cuemby/burrow/pkg/filestore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/model"
	"github.com/cuemby/burrow/pkg/orchestration"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// serverConfig is the optional YAML config file; flags override its values
type serverConfig struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	AdminAddr string `yaml:"admin_addr"`
	DataDir   string `yaml:"data_dir"`

	SessionLifetime    time.Duration `yaml:"session_lifetime"`
	UnknownStatusGrace time.Duration `yaml:"unknown_status_grace"`
	FileRetention      time.Duration `yaml:"file_retention"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a burrow config-server replica",
	Long: `Run a burrow replica. With --bootstrap this node forms a new
single-member cluster; otherwise it waits to be joined to an existing
cluster via the leader's /cluster/join endpoint.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("node-id", "burrow-1", "Unique node identifier")
	serverCmd.Flags().String("bind-addr", "127.0.0.1:7070", "Raft bind address")
	serverCmd.Flags().String("admin-addr", "127.0.0.1:7071", "Admin HTTP address")
	serverCmd.Flags().String("data-dir", "/var/lib/burrow", "Data directory")
	serverCmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster")
	serverCmd.Flags().Duration("session-lifetime", 24*time.Hour, "Session expiry lifetime")
	serverCmd.Flags().Duration("unknown-status-grace", 72*time.Hour, "Retention for sessions with unreadable metadata")
	serverCmd.Flags().Duration("file-retention", time.Hour, "File GC retention window")
	serverCmd.Flags().Duration("sweep-interval", 30*time.Second, "Expiry sweep interval")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().Bool("log-json", false, "Log JSON instead of console output")
}

func loadServerConfig(cmd *cobra.Command) (*serverConfig, error) {
	cfg := &serverConfig{}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Flags that were set explicitly override the file.
	stringFlag := func(name string, dst *string) {
		if cmd.Flags().Changed(name) || *dst == "" {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	durationFlag := func(name string, dst *time.Duration) {
		if cmd.Flags().Changed(name) || *dst == 0 {
			*dst, _ = cmd.Flags().GetDuration(name)
		}
	}

	stringFlag("node-id", &cfg.NodeID)
	stringFlag("bind-addr", &cfg.BindAddr)
	stringFlag("admin-addr", &cfg.AdminAddr)
	stringFlag("data-dir", &cfg.DataDir)
	stringFlag("log-level", &cfg.LogLevel)
	durationFlag("session-lifetime", &cfg.SessionLifetime)
	durationFlag("unknown-status-grace", &cfg.UnknownStatusGrace)
	durationFlag("file-retention", &cfg.FileRetention)
	durationFlag("sweep-interval", &cfg.SweepInterval)

	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadServerConfig(cmd)
	if err != nil {
		return err
	}
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if err := mgr.Start(bootstrap); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	packages, err := filestore.NewPackageStore(filepath.Join(cfg.DataDir, "packages"))
	if err != nil {
		return err
	}
	files, err := filestore.NewFileDirectory(filepath.Join(cfg.DataDir, "files"))
	if err != nil {
		return err
	}

	registry := model.NewRegistry()
	builder := model.NewBuilder(registry)
	orchestrator := orchestration.NewRegistry()
	provisioner := provision.NewNodeProvisioner(mgr)

	deployer := deploy.NewDeployer(deploy.Config{
		Cluster:      mgr,
		Packages:     packages,
		Validator:    builder,
		Provisioner:  provisioner,
		Orchestrator: orchestrator,
		Policy: session.ExpiryPolicy{
			SessionLifetime:    cfg.SessionLifetime,
			UnknownStatusGrace: cfg.UnknownStatusGrace,
		},
	})

	supermodel := model.NewSuperModel(mgr)
	if err := supermodel.Rebuild(); err != nil {
		log.WithComponent("main").Warn().Err(err).Msg("initial aggregate rebuild failed")
	}
	supermodel.Start(mgr.EventBroker())

	recon := reconciler.NewReconciler(deployer, files, mgr.EventBroker(), reconciler.Config{
		SweepInterval: cfg.SweepInterval,
		FileRetention: cfg.FileRetention,
	})
	recon.Start()

	collector := manager.NewCollector(mgr, 15*time.Second)
	collector.Start()

	serverCache := cache.NewServerCache()
	adminServer := api.NewServer(api.Config{
		Addr:       cfg.AdminAddr,
		Cluster:    mgr,
		Membership: mgr,
		Deployment: deployer,
		Nodes:      mgr,
		SuperModel: supermodel,
		Registry:   registry,
		Cache:      serverCache,
	})
	if err := adminServer.Start(); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	log.WithComponent("main").Info().
		Str("node_id", cfg.NodeID).
		Str("bind_addr", cfg.BindAddr).
		Str("admin_addr", cfg.AdminAddr).
		Bool("bootstrap", bootstrap).
		Msg("burrow replica running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("main").Info().Msg("shutting down")

	adminServer.Stop()
	collector.Stop()
	recon.Stop()
	supermodel.Stop()

	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown manager: %w", err)
	}

	return nil
}
