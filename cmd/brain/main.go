package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rizom-ai/brains-sub001/internal/adapter"
	"github.com/rizom-ai/brains-sub001/internal/config"
	"github.com/rizom-ai/brains-sub001/internal/db"
	"github.com/rizom-ai/brains-sub001/internal/entityservice"
	"github.com/rizom-ai/brains-sub001/internal/queue"
	"github.com/rizom-ai/brains-sub001/internal/registry"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "brain",
		Version: version,
		Short:   "Local entity store and embedding pipeline",
		Long: `Brain stores versioned, content-addressed entities in a local
SQLite database and lazily computes vector embeddings for them in the
background, unifying relational queries and similarity search.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{"version": version, "commit": commit, "date": buildDate})
				return
			}
			fmt.Printf("brain %s (%s, %s)\n", version, commit, buildDate)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema, creating the data directory if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.Init(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			path, err := db.GetPath()
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]string{"ok": "true", "path": path})
				return nil
			}
			fmt.Printf("schema applied at %s\n", path)
			return nil
		},
	})

	rootCmd.AddCommand(newExportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newExportCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export entities as newline-delimited JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlDB, err := db.Open()
			if err != nil {
				return fmt.Errorf("export: open db: %w", err)
			}
			defer sqlDB.Close()

			reg := registry.New()
			_ = reg.Register("note", map[string]any{}, adapter.NewNoteAdapter(), registry.TypeConfig{Weight: 1.0, Embeddable: true})
			_ = reg.Register("image", map[string]any{}, adapter.NewImageAdapter(), registry.TypeConfig{Weight: 0.5, Embeddable: false})

			if cfg, err := config.Load(); err == nil {
				applyConfig(reg, cfg)
			}

			svc := entityservice.New(sqlDB, reg, queue.New(sqlDB), nil, nil)

			types := reg.ListTypes()
			if entityType != "" {
				types = []string{entityType}
			}

			enc := json.NewEncoder(os.Stdout)
			for _, t := range types {
				entities, err := svc.ListEntities(t, entityservice.ListOptions{Limit: 1 << 30})
				if err != nil {
					return fmt.Errorf("export: list %s: %w", t, err)
				}
				for _, e := range entities {
					if err := enc.Encode(e); err != nil {
						return fmt.Errorf("export: encode entity %s/%s: %w", t, e.ID, err)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "limit export to a single entity type")
	return cmd
}

func applyConfig(reg *registry.Registry, cfg *config.Config) {
	for _, t := range cfg.EntityTypes {
		if reg.Has(t.Type) {
			continue
		}
		embeddable := true
		if t.Embeddable != nil {
			embeddable = *t.Embeddable
		}
		weight := t.Weight
		if weight == 0 {
			weight = 1.0
		}
		_ = reg.Register(t.Type, map[string]any{}, adapter.NewNoteAdapter(), registry.TypeConfig{Weight: weight, Embeddable: embeddable})
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
