package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drawline/internal/app"
	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

func participantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "participant", Short: "Manage participant profiles"}
	cmd.AddCommand(participantCreateCmd())
	cmd.AddCommand(participantListCmd())
	cmd.AddCommand(participantShowCmd())
	return cmd
}

func participantCreateCmd() *cobra.Command {
	var p domain.Participant
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				created, err := ws.Engine.CreateParticipant(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "participant id (generated when empty)")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&p.Phone, "phone", "", "contact phone")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func participantListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListParticipants(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Email", "Phone"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Email, p.Phone})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 for all)")
	return cmd
}

func participantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <participant-id>",
		Short: "Show a participant and the pools they hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.Repo.GetParticipant(ctx, args[0])
				if err != nil {
					return err
				}
				memberships, err := ws.Engine.Repo.ListMemberships(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"participant": p, "memberships": memberships})
				}
				fmt.Printf("%s (%s)\n", p.Name, p.ID)
				tw := newTable(table.Row{"Event", "Name", "Pool"})
				for _, m := range memberships {
					tw.AppendRow(table.Row{m.EventID, m.EventName, m.Pool})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Manage events"}
	cmd.AddCommand(eventCreateCmd())
	cmd.AddCommand(eventListCmd())
	cmd.AddCommand(eventShowCmd())
	cmd.AddCommand(eventUpdateCmd())
	cmd.AddCommand(eventDeleteCmd())
	return cmd
}

func eventCreateCmd() *cobra.Command {
	var opts engine.EventCreateOptions
	var maxReg, selectNum int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event organized by --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-registration") {
				opts.MaxRegistration = &maxReg
			}
			if cmd.Flags().Changed("select-num") {
				opts.SelectNum = &selectNum
			}
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				ev, err := ws.Engine.CreateEvent(ctx, s, opts)
				if err != nil {
					return err
				}
				return printEvent(ev)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "event name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&maxReg, "max-registration", 0, "waiting list capacity, 0 for unlimited")
	cmd.Flags().IntVar(&selectNum, "select-num", 0, "number of entrants to invite")
	cmd.Flags().StringVar(&opts.StartAt, "start", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&opts.EndAt, "end", "", "end time (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func eventListCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Organizer", "Waiting", "Invited", "Enrolled", "Cancelled", "Select"})
				for _, ev := range items {
					waiting := fmt.Sprintf("%d", len(ev.Waiting))
					if ev.MaxRegistration > 0 {
						waiting = fmt.Sprintf("%d/%d", len(ev.Waiting), ev.MaxRegistration)
					}
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.OrganizerID, waiting, len(ev.Invited), len(ev.Enrolled), len(ev.Cancelled), ev.SelectNum})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OrganizerID, "organizer", "", "organizer filter")
	cmd.Flags().StringVar(&f.ParticipantID, "participant", "", "only events this participant is registered in")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event and its pools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ev, err := ws.Engine.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvent(ev)
			})
		},
	}
}

func eventUpdateCmd() *cobra.Command {
	var name, description, startAt, endAt string
	var maxReg int
	cmd := &cobra.Command{
		Use:   "update <event-id>",
		Short: "Update event details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.EventUpdateOptions
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("description") {
				opts.Description = &description
			}
			if flags.Changed("max-registration") {
				opts.MaxRegistration = &maxReg
			}
			if flags.Changed("start") {
				opts.StartAt = &startAt
			}
			if flags.Changed("end") {
				opts.EndAt = &endAt
			}
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				ev, err := ws.Engine.UpdateEvent(ctx, s, args[0], opts)
				if err != nil {
					return err
				}
				return printEvent(ev)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&maxReg, "max-registration", 0, "waiting list capacity, 0 for unlimited")
	cmd.Flags().StringVar(&startAt, "start", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&endAt, "end", "", "end time (RFC3339)")
	return cmd
}

func eventDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Delete an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, ws *app.Workspace, s domain.Session) error {
				if err := ws.Engine.DeleteEvent(ctx, s, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func printEvent(ev domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(ev)
	}
	fmt.Printf("%s  %s  (organizer %s, version %d)\n", ev.ID, ev.Name, ev.OrganizerID, ev.Version)
	capacity := "unlimited"
	if ev.MaxRegistration > 0 {
		capacity = fmt.Sprintf("%d", ev.MaxRegistration)
	}
	fmt.Printf("capacity %s, select %d, open slots %d\n", capacity, ev.SelectNum, max(registration.Slots(&ev), 0))
	tw := newTable(table.Row{"Pool", "#", "Participant", "Name"})
	for _, pool := range registration.Pools() {
		for i, p := range registration.Members(&ev, pool) {
			tw.AppendRow(table.Row{pool, i + 1, p.ID, p.Name})
		}
	}
	tw.Render()
	return nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}
