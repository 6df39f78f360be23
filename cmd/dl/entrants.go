package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drawline/internal/app"
	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/engine/auth"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

type entrantStep func(engine.Engine, context.Context, domain.Session, string) (domain.Event, error)

// entrantCmd builds a command moving the --as participant within one event.
func entrantCmd(use, short string, step entrantStep) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				ev, err := step(ws.Engine, ctx, s, args[0])
				if err != nil {
					return err
				}
				return printEvent(ev)
			})
		},
	}
}

func joinCmd() *cobra.Command {
	return entrantCmd("join", "Join an event's waiting list", engine.Engine.Join)
}

func leaveCmd() *cobra.Command {
	return entrantCmd("leave", "Leave an event's waiting list", engine.Engine.Leave)
}

func acceptCmd() *cobra.Command {
	return entrantCmd("accept", "Accept an invitation and enroll", engine.Engine.Accept)
}

func declineCmd() *cobra.Command {
	return entrantCmd("decline", "Decline an invitation", engine.Engine.Decline)
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <event-id> <participant-id>",
		Short: "Cancel an entrant's invitation (organizer or admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				ev, err := ws.Engine.Revoke(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				return printEvent(ev)
			})
		},
	}
}

func lotteryCmd() *cobra.Command {
	var selectNum int
	var message string
	cmd := &cobra.Command{
		Use:   "lottery <event-id>",
		Short: "Draw invitees from the waiting list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.LotteryOptions{Message: message}
			if cmd.Flags().Changed("select-num") {
				opts.SelectNum = &selectNum
			}
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				res, err := ws.Engine.RunLottery(ctx, s, args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("invited %d participant(s)\n", len(res.Invited))
				tw := newTable(table.Row{"#", "Participant", "Name"})
				for i, p := range res.Invited {
					tw.AppendRow(table.Row{i + 1, p.ID, p.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&selectNum, "select-num", 0, "set the event's select_num before drawing")
	cmd.Flags().StringVar(&message, "message", "", "invitation text (defaults to lottery.invite_message)")
	return cmd
}

func notifyCmd() *cobra.Command {
	var pool, message string
	cmd := &cobra.Command{
		Use:   "notify <event-id>",
		Short: "Queue a message for everyone in one pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := registration.ParsePool(strings.TrimSpace(pool))
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				notes, err := ws.Engine.Notify(ctx, s, args[0], p, message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(notes)
				}
				fmt.Printf("queued %d notification(s) for the %s pool\n", len(notes), p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "waiting, invited, enrolled or cancelled")
	cmd.Flags().StringVar(&message, "message", "", "message text")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func membershipCmd() *cobra.Command {
	var participantID string
	cmd := &cobra.Command{
		Use:   "membership <event-id>",
		Short: "Show which pool a participant is in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if participantID == "" {
				participantID = viper.GetString("as")
			}
			if strings.TrimSpace(participantID) == "" {
				return fmt.Errorf("--participant or --as required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.Membership(ctx, args[0], participantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				if !st.Registered {
					fmt.Printf("%s is not registered in %s\n", st.ParticipantID, st.EventID)
					return nil
				}
				fmt.Printf("%s is %s in %s\n", st.ParticipantID, st.Pool, st.EventID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id (defaults to --as)")
	return cmd
}

func notificationsCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications addressed to --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				if f.TargetID == "" {
					f.TargetID = s.Participant.ID
				}
				if f.TargetID != s.Participant.ID && !s.AdminMode {
					return auth.ForbiddenError{Action: "read other participants' notifications"}
				}
				items, err := ws.Engine.Repo.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Event", "Message", "Created", "Delivered"})
				for _, n := range items {
					delivered := ""
					if n.DeliveredAt != nil {
						delivered = *n.DeliveredAt
					}
					tw.AppendRow(table.Row{n.ID, n.EventID, n.Message, n.CreatedAt, delivered})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TargetID, "target", "", "recipient (admin mode only for others)")
	cmd.Flags().StringVar(&f.EventID, "event", "", "event filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Activity log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.LatestActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Event", "Participant", "Actor", "Payload"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TS, a.Type, a.EventID, a.ParticipantID, a.ActorID, a.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of rows")
	cmd.Flags().StringVar(&f.Type, "type", "", "activity type filter")
	cmd.Flags().StringVar(&f.EventID, "event", "", "event filter")
	cmd.Flags().StringVar(&f.ParticipantID, "participant", "", "participant filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for --as"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				key, raw, err := ws.Engine.CreateAPIKey(ctx, s, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "participant_id": key.ParticipantID, "key": raw})
				}
				fmt.Printf("key %s for %s:\n%s\n", key.ID, key.ParticipantID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				owner := s.Participant.ID
				if s.AdminMode {
					owner = ""
				}
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Participant", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ParticipantID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				if !s.AdminMode {
					keys, err := ws.Engine.Repo.ListAPIKeys(ctx, s.Participant.ID)
					if err != nil {
						return err
					}
					owned := false
					for _, k := range keys {
						owned = owned || k.ID == args[0]
					}
					if !owned {
						return auth.ForbiddenError{Action: "revoke another participant's api key"}
					}
				}
				if err := ws.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}
