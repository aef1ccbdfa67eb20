package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ensembleai/ensemble/internal/channels"
	"github.com/ensembleai/ensemble/pkg/models"
)

// buildAgentCmd creates the "agent" command: the interactive session
// plus any other enabled channel connectors.
func buildAgentCmd() *cobra.Command {
	var room string

	cmd := &cobra.Command{
		Use:   "agent [--room <id>]",
		Short: "Talk to the team interactively",
		Long: `Start the runtime and attach an interactive CLI session to a room.

All enabled channel connectors (Telegram, Discord, Slack) come up too;
background extraction, summary refresh, and learning decay run while the
session is open. Type /room <id> to switch rooms, Ctrl-D to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPathFrom(cmd), room)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room to attach to (default from config)")
	return cmd
}

func runAgent(ctx context.Context, configPath, room string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openRuntime(ctx, configPath, runtimeOptions{CLIRoom: room})
	if err != nil {
		return err
	}
	if room != "" {
		if _, err := rt.rooms.Get(room); err != nil {
			return err
		}
	}

	if err := rt.start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "ensemble ready (room: %s, bots: %s)\n",
		activeRoom(rt), strings.Join(botNames(rt), ", "))

	// Run until the terminal closes or a signal arrives.
	if cli, ok := rt.channels.Get(string(models.ChannelCLI)); ok {
		if c, ok := cli.(*channels.CLIConnector); ok {
			select {
			case <-ctx.Done():
			case <-c.Done():
			}
		} else {
			<-ctx.Done()
		}
	} else {
		<-ctx.Done()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	rt.stop(stopCtx)
	return nil
}

func activeRoom(rt *runtime) string {
	if rt.cfg.Channels.CLI.DefaultRoom != "" {
		return rt.cfg.Channels.CLI.DefaultRoom
	}
	return "general"
}

func botNames(rt *runtime) []string {
	var names []string
	for _, card := range rt.roster.All() {
		names = append(names, "@"+card.Name)
	}
	return names
}

// buildRoomCmd creates the "room" command group.
func buildRoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage conversation rooms",
	}
	cmd.AddCommand(buildRoomCreateCmd(), buildRoomInviteCmd(), buildRoomListCmd())
	return cmd
}

func buildRoomCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <id> [type]",
		Short: "Create a room (type: open, project, direct, coordination)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomType := models.RoomOpen
			if len(args) == 2 {
				parsed, err := parseRoomType(args[1])
				if err != nil {
					return err
				}
				roomType = parsed
			}
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}

			defaults := mem.cfg.Rooms.Defaults[string(roomType)]
			policy := models.RoomPolicy{
				AutoArchive:         defaults.AutoArchive,
				ArchiveAfterDays:    defaults.ArchiveAfterDays,
				CoordinatorMode:     defaults.CoordinatorMode,
				EscalationThreshold: models.EscalationThreshold(defaults.EscalationThreshold),
			}
			participants := []string{"user"}
			room, err := mem.rooms.CreateWithID(cmd.Context(), args[0], roomType, "user", participants, policy)
			if err != nil {
				return err
			}
			fmt.Printf("room %s created (%s, participants: %s)\n",
				room.ID, room.Type, strings.Join(room.Participants, ", "))
			return nil
		},
	}
}

func buildRoomInviteCmd() *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "invite <bot>",
		Short: "Add a bot to a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bot := strings.TrimPrefix(args[0], "@")
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			if !knownBot(mem, bot) {
				return usageErrorf("unknown bot %q", bot)
			}
			if err := mem.rooms.AddParticipant(cmd.Context(), roomID, bot); err != nil {
				return err
			}
			fmt.Printf("@%s added to room %s\n", bot, roomID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&roomID, "room", "w", "general", "Room to invite into")
	return cmd
}

func buildRoomListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemoryRuntime(configPathFrom(cmd))
			if err != nil {
				return err
			}
			roomList := mem.rooms.List()
			if len(roomList) == 0 {
				fmt.Println("no rooms yet; create one with `ensemble room create <id>`")
				return nil
			}
			for _, room := range roomList {
				mode := ""
				if room.Policy.CoordinatorMode {
					mode = " [coordinator]"
				}
				fmt.Printf("%-20s %-12s %s%s (last active %s)\n",
					room.ID, room.Type, strings.Join(room.Participants, ","), mode,
					room.LastActivity.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func parseRoomType(s string) (models.RoomType, error) {
	switch models.RoomType(s) {
	case models.RoomOpen, models.RoomProject, models.RoomDirect, models.RoomCoordination:
		return models.RoomType(s), nil
	default:
		return "", usageErrorf("unknown room type %q (want open, project, direct, or coordination)", s)
	}
}

func knownBot(mem *memoryRuntime, bot string) bool {
	if bot == models.LeaderName {
		return true
	}
	for _, card := range mem.cfg.Bots {
		if card.Name == bot {
			return true
		}
	}
	return false
}
