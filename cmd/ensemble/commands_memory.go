package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/internal/security"
	"github.com/ensembleai/ensemble/pkg/models"
)

// buildMemoryCmd creates the "memory" command group: direct access to
// the hybrid memory under the running assistant.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the assistant's memory",
	}
	cmd.AddCommand(
		buildMemoryStatusCmd(),
		buildMemorySearchCmd(),
		buildMemoryEntitiesCmd(),
		buildMemoryEntityCmd(),
		buildMemorySummaryCmd(),
		buildMemoryForgetCmd(),
		buildMemoryExportCmd(),
		buildMemoryImportCmd(),
		buildMemoryTasksCmd(),
		buildMemoryDoctorCmd(),
	)
	return cmd
}

type countRow struct {
	label string
	n     int64
}

func memoryCounts(ctx context.Context, mem *memoryRuntime) ([]countRow, error) {
	db := mem.store.DB()
	out := make([]countRow, 0, 6)
	for _, q := range []struct {
		label string
		query string
	}{
		{"events", `SELECT COUNT(*) FROM events`},
		{"entities", `SELECT COUNT(*) FROM entities`},
		{"edges", `SELECT COUNT(*) FROM edges`},
		{"facts", `SELECT COUNT(*) FROM facts`},
		{"learnings", `SELECT COUNT(*) FROM learnings`},
		{"summaries", `SELECT COUNT(*) FROM summary_nodes`},
	} {
		var n int64
		if err := db.QueryRowContext(ctx, q.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", q.label, err)
		}
		out = append(out, countRow{q.label, n})
	}
	return out, nil
}

func buildMemoryStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show memory size and health at a glance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			counts, err := memoryCounts(cmd.Context(), mem)
			if err != nil {
				return err
			}
			for _, c := range counts {
				fmt.Printf("%-12s %d\n", c.label, c.n)
			}

			dbPath := filepath.Join(mem.cfg.Workspace, memoryDBName)
			if info, err := os.Stat(dbPath); err == nil {
				fmt.Printf("%-12s %.1f MiB (%s)\n", "database", float64(info.Size())/(1<<20), dbPath)
			}

			pending, err := mem.store.PendingExtraction(cmd.Context(), 500)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s %d\n", "unextracted", len(pending))
			fmt.Printf("%-12s %d\n", "rooms", len(mem.rooms.List()))
			return nil
		},
	}
}

func buildMemorySearchCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over the event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			vecs, err := mem.embedder.Embed(cmd.Context(), []string{args[0]})
			if err != nil {
				return preconditionErrorf("embedding unavailable: %v", err)
			}
			results, err := mem.store.SemanticSearch(cmd.Context(), vecs[0], k, eventstore.SearchFilter{})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, r := range results {
				fmt.Printf("[%.2f] %s %s: %s\n",
					r.Score, r.Event.CreatedAt.Format("2006-01-02 15:04"),
					r.Event.SessionKey, firstLine(r.Event.Content))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "n", 10, "Number of results")
	return cmd
}

func buildMemoryEntitiesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List known entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			entities, err := mem.graph.ListEntities(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entities) == 0 {
				fmt.Println("no entities extracted yet")
				return nil
			}
			for _, ent := range entities {
				fmt.Printf("%-24s %-10s seen %3d times, last %s\n",
					ent.Name, ent.Type, ent.EventCount, ent.LastSeen.Format("2006-01-02"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entities")
	return cmd
}

func buildMemoryEntityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entity <name>",
		Short: "Show one entity with its facts and relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ent, err := mem.graph.FindEntityByName(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", ent.Name, ent.Type)
			if len(ent.Aliases) > 0 {
				fmt.Printf("aliases: %v\n", ent.Aliases)
			}
			if ent.Description != "" {
				fmt.Println(ent.Description)
			}
			fmt.Printf("seen %d times between %s and %s\n",
				ent.EventCount, ent.FirstSeen.Format("2006-01-02"), ent.LastSeen.Format("2006-01-02"))

			facts, err := mem.graph.FactsFor(ctx, ent.ID)
			if err != nil {
				return err
			}
			if len(facts) > 0 {
				fmt.Println("\nfacts:")
				for _, f := range facts {
					fmt.Printf("- %s %s (confidence %.2f)\n", f.Predicate, f.Object, f.Confidence)
				}
			}

			edges, err := mem.graph.EdgesFor(ctx, ent.ID)
			if err != nil {
				return err
			}
			if len(edges) > 0 {
				fmt.Println("\nrelationships:")
				for _, e := range edges {
					fmt.Printf("- %s -> %s (strength %.2f)\n", e.Relation, e.TargetID, e.Strength)
				}
			}
			return nil
		},
	}
}

func buildMemorySummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show the summary tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			nodes, err := mem.tree.All(cmd.Context())
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("no summaries yet")
				return nil
			}
			for _, node := range nodes {
				marker := " "
				if node.EventsSinceUpdate >= mem.cfg.Memory.Summary.StalenessThreshold {
					marker = "*"
				}
				fmt.Printf("%s %-12s %-28s %s\n", marker, node.Type, node.Key, firstLine(node.Summary))
			}
			fmt.Println("\n* = stale, pending refresh")
			return nil
		},
	}
}

func buildMemoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <entity>",
		Short: "Delete an entity and everything attached to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ent, err := mem.graph.FindEntityByName(ctx, args[0])
			if err != nil {
				return err
			}
			if err := mem.graph.DeleteEntity(ctx, ent.ID); err != nil {
				return err
			}

			// Forgetting is itself an auditable action.
			audit, err := security.OpenAuditLog(filepath.Join(mem.cfg.Workspace, "audit.log"), mem.logger)
			if err == nil {
				_ = audit.Append("memory.forget", "cli", map[string]any{
					"entity": ent.Name,
					"id":     ent.ID,
				})
				_ = audit.Close()
			}
			fmt.Printf("forgot %s and all attached facts and relationships\n", ent.Name)
			return nil
		},
	}
}

func buildMemoryExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the full event log as JSON lines to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			events, err := mem.store.TimeRange(cmd.Context(), time.Unix(0, 0), time.Now().UTC())
			if err != nil {
				return err
			}
			w := bufio.NewWriter(os.Stdout)
			defer w.Flush()
			enc := json.NewEncoder(w)
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			fmt.Fprintf(os.Stderr, "exported %d events\n", len(events))
			return nil
		},
	}
}

func buildMemoryImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Append events from a JSON-lines export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return preconditionErrorf("open import file: %v", err)
			}
			defer f.Close()

			const batchSize = 64
			var (
				batch    []*models.Event
				imported int
			)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				if err := mem.store.AppendBatch(cmd.Context(), batch); err != nil {
					return err
				}
				// Imported history is already handled; without this the
				// next agent start would replay every inbound event.
				ids := make([]string, len(batch))
				for i, ev := range batch {
					ids[i] = ev.ID
				}
				if err := mem.store.MarkDispatched(cmd.Context(), ids...); err != nil {
					return err
				}
				imported += len(batch)
				batch = batch[:0]
				return nil
			}

			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
			line := 0
			for scanner.Scan() {
				line++
				if len(scanner.Bytes()) == 0 {
					continue
				}
				var ev models.Event
				if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				copied := ev
				batch = append(batch, &copied)
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
			fmt.Printf("imported %d events\n", imported)
			return nil
		},
	}
}

func buildMemoryTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "Show the coordinator's task board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			return explainCoordination(cmd.Context(), mem, "")
		},
	}
}

func buildMemoryDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check workspace, database, and audit-log health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), configPathFrom(cmd))
		},
	}
}

func runDoctor(ctx context.Context, configPath string) error {
	mem, err := openMemoryRuntime(configPath)
	if err != nil {
		return err
	}
	failed := false

	// Database integrity.
	var check string
	if err := mem.store.DB().QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&check); err != nil || check != "ok" {
		fmt.Printf("FAIL database integrity: %s %v\n", check, err)
		failed = true
	} else {
		fmt.Println("ok   database integrity")
	}

	// Filesystem permissions on the workspace.
	report := security.AuditWorkspace(security.AuditOptions{
		WorkspaceDir: mem.cfg.Workspace,
		ConfigPath:   configPath,
		SkillsDir:    filepath.Join(mem.cfg.Workspace, mem.cfg.Security.SkillsDir),
	})
	if len(report.Findings) == 0 {
		fmt.Println("ok   workspace permissions")
	}
	for _, f := range report.Findings {
		level := "warn"
		if f.Severity == security.SeverityCritical {
			level = "FAIL"
			failed = true
		}
		fmt.Printf("%s %s: %s\n", level, f.Title, f.Detail)
	}

	// Audit log hash chain.
	auditPath := filepath.Join(mem.cfg.Workspace, "audit.log")
	if n, err := security.VerifyAuditLog(auditPath); err != nil {
		fmt.Printf("FAIL audit log: %v\n", err)
		failed = true
	} else {
		fmt.Printf("ok   audit log (%d entries, chain intact)\n", n)
	}

	// Background backlog.
	pending, err := mem.store.PendingExtraction(ctx, 500)
	if err != nil {
		return err
	}
	if len(pending) >= 500 {
		fmt.Printf("warn extraction backlog at %d+ events\n", len(pending))
	} else {
		fmt.Printf("ok   extraction backlog (%d pending)\n", len(pending))
	}

	// Provider credentials.
	if firstNonEmpty(mem.cfg.Providers.Anthropic.APIKey, os.Getenv("ANTHROPIC_API_KEY"),
		mem.cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")) == "" {
		fmt.Println("warn no LLM provider key configured; `agent` will not start")
	} else {
		fmt.Println("ok   provider credentials")
	}

	if failed {
		return preconditionErrorf("doctor found problems")
	}
	return nil
}
