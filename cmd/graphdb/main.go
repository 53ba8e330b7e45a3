package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/graphdb-core/internal/common"
	"github.com/cuemby/graphdb-core/internal/config"
	"github.com/cuemby/graphdb-core/internal/store"
	"github.com/cuemby/graphdb-core/internal/wal"
)

var (
	dataDir    string
	actorID    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "graphdb",
	Short: "graphdb-core administration CLI",
	Long:  "Operate and inspect a graphdb-core store: open a long-lived instance, check WAL health, and trigger compaction.",
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return config.Config{}, err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if actorID != "" {
			cfg.ActorID = common.ActorID(actorID)
		}
		return *cfg, nil
	}

	cfg := config.FromEnv(config.Default())
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if actorID != "" {
		cfg.ActorID = common.ActorID(actorID)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a store and run it until interrupted",
	Long:  "Opens the store at --data-dir, starting the compaction scheduler and (if configured) the sync engine, and blocks until SIGINT/SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := store.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		fmt.Printf("store opened at %s (actor %s)\n", cfg.DataDir, cfg.ActorID)

		<-ctx.Done()
		fmt.Println("shutting down")
		return s.Close()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Open a store briefly and print its diagnostic counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		s, err := store.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		stats := s.Stats()
		fmt.Printf("data_dir:        %s\n", cfg.DataDir)
		fmt.Printf("actor_id:        %s\n", cfg.ActorID)
		fmt.Printf("wal segments:    %d\n", stats.WAL.SegmentCount)
		fmt.Printf("wal bytes:       %d\n", stats.WAL.TotalBytes)
		fmt.Printf("wal seq range:   %d..%d (next %d)\n", stats.WAL.FirstSeq, stats.WAL.LastSeq, stats.WAL.NextSeq)
		fmt.Printf("tombstones:      %d\n", stats.Tombstones)
		if stats.Sync == nil {
			fmt.Println("sync:            disabled")
		} else {
			fmt.Printf("sync transport:  %s\n", stats.Sync.ActiveTransport)
			fmt.Printf("sync peers:      %d\n", stats.Sync.ConnectedPeers)
			fmt.Printf("sync sent/recv:  %d/%d entries\n", stats.Sync.EntriesSent, stats.Sync.EntriesReceived)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Open a store and run one compaction pass immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		s, err := store.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		s.Compact()
		fmt.Println("compaction pass complete")
		return nil
	},
}

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "WAL inspection commands",
}

func openWALManager(cfg config.Config) (*wal.Manager, error) {
	return wal.NewManager(wal.ManagerConfig{
		DataDir:         cfg.DataDir,
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		Durability:      cfg.Durability,
		MaxOpenSegments: cfg.MaxOpenSegments,
	})
}

var walInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print WAL segment and sequence coverage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		m, err := openWALManager(cfg)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		defer m.Close()

		stats := m.GetStats()
		fmt.Printf("segments:    %d\n", stats.SegmentCount)
		fmt.Printf("total bytes: %d\n", stats.TotalBytes)
		fmt.Printf("seq range:   %d..%d (next %d)\n", stats.FirstSeq, stats.LastSeq, stats.NextSeq)

		for _, seg := range m.SealedSegments() {
			fmt.Printf("  sealed segment %s: seq %d..%d (%s)\n", seg.Index, seg.MinSeq, seg.MaxSeq, seg.Path)
		}
		return nil
	},
}

var walValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Scan every segment end to end and quarantine corrupt tails",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		m, err := openWALManager(cfg)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		defer m.Close()

		report, err := m.Validate()
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}

		fmt.Printf("entries scanned:     %d\n", report.TotalEntries)
		fmt.Printf("corrupted entries:   %d\n", report.CorruptedEntries)
		fmt.Printf("corrupted segments:  %d\n", report.CorruptedSegments)
		for _, path := range report.QuarantinedPaths {
			fmt.Printf("  quarantined: %s\n", path)
		}
		return nil
	},
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Sync peer commands",
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "Open a store and list currently connected sync peers",
	Long:  "Connections are established asynchronously after open, so this is a point-in-time snapshot rather than a guaranteed-complete peer set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		s, err := store.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		peers := s.Peers()
		if peers == nil {
			fmt.Println("sync is disabled for this store")
			return nil
		}
		if len(peers) == 0 {
			fmt.Println("no peers connected")
			return nil
		}
		for _, p := range peers {
			fmt.Printf("  %s\n", p)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "store data directory (overrides config file)")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor-id", "", "actor id for this process (overrides config file)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config document")

	walCmd.AddCommand(walInspectCmd)
	walCmd.AddCommand(walValidateCmd)
	peerCmd.AddCommand(peerListCmd)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(walCmd)
	rootCmd.AddCommand(peerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
