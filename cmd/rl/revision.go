package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"revline/internal/app"
	"revline/internal/domain"
	"revline/internal/engine"
)

func surfaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "surface",
		Short: "Markups, feedback and checklist of the active revision",
	}
	cmd.AddCommand(surfaceAddCmd())
	cmd.AddCommand(surfaceListCmd())
	cmd.AddCommand(surfaceCompleteCmd())
	return cmd
}

func surfaceAddCmd() *cobra.Command {
	var in engine.SurfaceItemInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an item to the active revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				in.ProjectID = projectID
				in.ActorID = actor()
				item, err := rt.Engine.AddSurfaceItem(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&in.Kind, "kind", domain.SurfaceFeedback, "markup, markup_feedback, feedback or checklist")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Content, "content", "", "content")
	cmd.Flags().IntVar(&in.CommentCount, "comments", 0, "comment count")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func surfaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the active revision surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.ListActiveSurface(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printSurface(items)
				return nil
			})
		},
	}
}

func surfaceCompleteCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "complete <item-id>",
		Short: "Check off a checklist item on the active revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				item, err := rt.Engine.SetSurfaceItemCompleted(ctx, args[0], !undo, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "uncheck instead")
	return cmd
}

func printSurface(items []domain.SurfaceItem) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Rev", "Kind", "Title", "Done", "Comments"})
	for _, it := range items {
		title := it.Title
		if it.IsRevisionHeader {
			title = "== " + title + " =="
		}
		done := ""
		if it.Kind == domain.SurfaceChecklist && it.Completed {
			done = "x"
		}
		tw.AppendRow(table.Row{it.ID, it.RevisionNumber, it.Kind, title, done, it.CommentCount})
	}
	tw.Render()
}

func revisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revision",
		Short: "Revision cycles",
	}
	cmd.AddCommand(revisionAdvanceCmd())
	cmd.AddCommand(revisionListCmd())
	cmd.AddCommand(revisionShowCmd())
	return cmd
}

func revisionAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Archive the active revision and open the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				adv, err := rt.Engine.ApproveAndAdvanceRevision(ctx, projectID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(adv)
				}
				fmt.Printf("Archived revision %d, now on revision %d (%d of %d remaining)\n",
					adv.Archive.RevisionNumber, adv.Project.CurrentRevisionNumber,
					adv.Project.RemainingModificationCount, adv.Project.TotalModificationCount)
				return nil
			})
		},
	}
}

func revisionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived revisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.ListArchives(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rev", "Markups", "Markup feedback", "Feedback", "Checklist", "Archived by", "Archived at"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.RevisionNumber, len(a.Markups), len(a.MarkupFeedback), len(a.Feedback), len(a.ChecklistItems), a.ArchivedBy, a.ArchivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func revisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <revision>",
		Short: "Show an archived revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := strconv.Atoi(args[0])
			if err != nil || rev < 1 {
				return fmt.Errorf("revision must be a positive number")
			}
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				a, err := rt.Engine.GetArchive(ctx, projectID, rev)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				var all []domain.SurfaceItem
				all = append(all, a.Markups...)
				all = append(all, a.MarkupFeedback...)
				all = append(all, a.Feedback...)
				all = append(all, a.ChecklistItems...)
				fmt.Printf("Revision %d archived by %s at %s\n", a.RevisionNumber, a.ArchivedBy, a.ArchivedAt)
				printSurface(all)
				return nil
			})
		},
	}
}

func trackerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tracker",
		Short: "Show the revision budget of the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				tr, err := rt.Engine.GetTracker(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tr)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Budget", "Count"})
				tw.AppendRows([]table.Row{
					{"Total allowed", tr.TotalAllowed},
					{"Used (completed)", tr.Used},
					{"In progress", tr.InProgress},
					{"Reserved (pending)", tr.Reserved},
					{"Revisions consumed", tr.RevisionsConsumed},
					{"Remaining", tr.Remaining},
				})
				tw.AppendFooter(table.Row{"Current revision", tr.CurrentRevisionNumber})
				tw.Render()
				if len(tr.AdditionalRequests) > 0 {
					fmt.Printf("%d additional-cost request(s), %.2f billed on completion\n", len(tr.AdditionalRequests), tr.TotalAdditionalCost)
				}
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Completed requests of the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, rt *app.Runtime, projectID string) error {
				items, err := rt.Engine.ListHistory(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Request", "Urgency", "Extra cost", "Completed by", "Completed at"})
				for _, h := range items {
					cost := ""
					if h.AdditionalCostAmount != nil {
						cost = fmt.Sprintf("%.2f", *h.AdditionalCostAmount)
					}
					tw.AppendRow(table.Row{h.RequestNumber, h.RequestID, h.Urgency, cost, h.CompletedBy, h.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}
