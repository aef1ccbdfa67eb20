package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/internal/knowledge"
	"github.com/ensembleai/ensemble/internal/summary"
	"github.com/ensembleai/ensemble/pkg/models"
)

// buildExplainCmd creates the "explain" command: what does the
// assistant currently believe, at a chosen level of detail.
func buildExplainCmd() *cobra.Command {
	var (
		roomID string
		bot    string
		mode   string
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Show what the assistant currently knows",
		Long: `Print the assistant's current state of knowledge.

Modes:
  summary       - the root summary of everything remembered (default)
  detailed      - summary plus the recent event timeline
  debug         - detailed plus memory engine internals
  coordination  - the coordinator's task board`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case "summary", "detailed", "debug", "coordination":
			default:
				return usageErrorf("unknown mode %q", mode)
			}
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			return runExplain(cmd.Context(), mem, roomID, strings.TrimPrefix(bot, "@"), mode)
		},
	}
	cmd.Flags().StringVarP(&roomID, "room", "w", "", "Scope to one room")
	cmd.Flags().StringVarP(&bot, "bot", "b", "", "Scope to one bot (@name)")
	cmd.Flags().StringVar(&mode, "mode", "summary", "summary|detailed|debug|coordination")
	return cmd
}

func runExplain(ctx context.Context, mem *memoryRuntime, roomID, bot, mode string) error {
	if mode == "coordination" {
		return explainCoordination(ctx, mem, roomID)
	}

	root, err := mem.tree.Node(ctx, summary.RootKey)
	if err != nil {
		return err
	}
	if root == nil || root.Summary == "" {
		fmt.Println("Nothing remembered yet; summaries build as conversations happen.")
	} else {
		fmt.Println("# What I know")
		fmt.Println(root.Summary)
	}

	if bot != "" {
		if err := explainBot(ctx, mem, bot); err != nil {
			return err
		}
	}

	if mode == "summary" {
		return nil
	}

	// detailed: the recent timeline, room-scoped when asked.
	sessionKey := ""
	if roomID != "" {
		sessionKey = "room:" + roomID
	}
	if err := printRecentEvents(ctx, mem, sessionKey, 15); err != nil {
		return err
	}

	if mode != "debug" {
		return nil
	}
	return explainDebug(ctx, mem)
}

func explainBot(ctx context.Context, mem *memoryRuntime, bot string) error {
	fmt.Printf("\n# @%s\n", bot)
	expertise, err := mem.learnings.ExpertiseFor(ctx, bot)
	if err != nil {
		return err
	}
	for _, e := range expertise {
		fmt.Printf("- %s: %d/%d successful (score %.2f)\n",
			e.Domain, e.SuccessCount, e.InteractionCount, e.Score())
	}
	learnings, err := mem.learnings.ForBot(ctx, bot, 10)
	if err != nil {
		return err
	}
	for _, l := range learnings {
		scope := "shared"
		if l.IsPrivate {
			scope = "private"
		}
		fmt.Printf("- [%s, %.2f] %s\n", scope, l.Confidence, firstLine(l.Content))
	}
	if len(expertise) == 0 && len(learnings) == 0 {
		fmt.Println("no track record yet")
	}
	return nil
}

func printRecentEvents(ctx context.Context, mem *memoryRuntime, sessionKey string, n int) error {
	fmt.Println("\n# Recent activity")
	var events []*models.Event
	var err error
	if sessionKey != "" {
		events, err = mem.store.TailBySession(ctx, sessionKey, n)
	} else {
		events, err = mem.store.TimeRange(ctx, time.Now().Add(-24*time.Hour), time.Now())
	}
	if err != nil {
		return err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	if len(events) == 0 {
		fmt.Println("(quiet)")
		return nil
	}
	for _, ev := range events {
		who := string(ev.Direction)
		if ev.Bot != nil {
			who = "@" + ev.Bot.Name
		}
		fmt.Printf("%s %-9s %-10s %s\n",
			ev.CreatedAt.Format("15:04"), ev.Type, who, firstLine(ev.Content))
	}
	return nil
}

func explainDebug(ctx context.Context, mem *memoryRuntime) error {
	fmt.Println("\n# Memory internals")
	counts, err := memoryCounts(ctx, mem)
	if err != nil {
		return err
	}
	for _, c := range counts {
		fmt.Printf("%-14s %d\n", c.label, c.n)
	}

	pending, err := mem.store.PendingExtraction(ctx, 500)
	if err != nil {
		return err
	}
	fmt.Printf("%-14s %d\n", "unextracted", len(pending))

	nodes, err := mem.tree.All(ctx)
	if err != nil {
		return err
	}
	stale := 0
	for _, node := range nodes {
		if node.EventsSinceUpdate >= mem.cfg.Memory.Summary.StalenessThreshold {
			stale++
		}
	}
	fmt.Printf("%-14s %d of %d nodes\n", "stale", stale, len(nodes))
	return nil
}

func explainCoordination(ctx context.Context, mem *memoryRuntime, _ string) error {
	fmt.Println("# Task board")
	total := 0
	for _, status := range []models.TaskStatus{
		models.TaskInProgress, models.TaskAssigned, models.TaskPending,
		models.TaskBlocked, models.TaskFailed, models.TaskCompleted,
	} {
		taskList, err := mem.tasks.ByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, t := range taskList {
			assigned := t.AssignedTo
			if assigned == "" {
				assigned = "-"
			}
			fmt.Printf("%-12s %-10s @%-10s %s\n", status, t.Domain, assigned, t.Title)
			total++
		}
	}
	if total == 0 {
		fmt.Println("(no coordinated tasks)")
	}
	return nil
}

// buildHowCmd creates the "how" command: provenance for a claim.
func buildHowCmd() *cobra.Command {
	var roomID string

	cmd := &cobra.Command{
		Use:   "how \"<query>\"",
		Short: "Show where a piece of knowledge came from",
		Long: `Trace a claim back to its sources: the closest events in the log
and any knowledge-graph facts that mention it, with the events they
were extracted from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			return runHow(cmd.Context(), mem, args[0], roomID)
		},
	}
	cmd.Flags().StringVarP(&roomID, "room", "w", "", "Scope to one room")
	return cmd
}

func runHow(ctx context.Context, mem *memoryRuntime, query, roomID string) error {
	vecs, err := mem.embedder.Embed(ctx, []string{query})
	if err != nil {
		return preconditionErrorf("embedding unavailable: %v", err)
	}
	filter := eventstore.SearchFilter{}
	if roomID != "" {
		filter.SessionKey = "room:" + roomID
	}
	results, err := mem.store.SemanticSearch(ctx, vecs[0], 8, filter)
	if err != nil {
		return err
	}

	if len(results) > 0 {
		fmt.Println("# Closest events")
		for _, r := range results {
			who := string(r.Event.Direction)
			if r.Event.Bot != nil {
				who = "@" + r.Event.Bot.Name
			}
			fmt.Printf("[%.2f] %s %s %s: %s\n",
				r.Score, r.Event.CreatedAt.Format("2006-01-02 15:04"),
				r.Event.SessionKey, who, firstLine(r.Event.Content))
		}
	}

	ent, err := mem.graph.FindEntityByName(ctx, query)
	if errors.Is(err, knowledge.ErrEntityNotFound) {
		if len(results) == 0 {
			fmt.Println("nothing on record for that")
		}
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("\n# Facts about %s\n", ent.Name)
	facts, err := mem.graph.FactsFor(ctx, ent.ID)
	if err != nil {
		return err
	}
	for _, f := range facts {
		fmt.Printf("- %s %s (confidence %.2f, from %d event(s))\n",
			f.Predicate, f.Object, f.Confidence, len(f.SourceEventIDs))
		for _, id := range f.SourceEventIDs {
			ev, err := mem.store.Get(ctx, id)
			if err != nil {
				continue
			}
			fmt.Printf("    %s: %s\n", ev.CreatedAt.Format("2006-01-02"), firstLine(ev.Content))
		}
	}
	return nil
}
