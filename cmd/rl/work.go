package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"revline/internal/app"
	"revline/internal/domain"
	"revline/internal/engine"
)

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Work progress checklists of approved requests",
	}
	cmd.AddCommand(workCreateCmd())
	cmd.AddCommand(workShowCmd())
	cmd.AddCommand(workUpdateCmd())
	return cmd
}

func workCreateCmd() *cobra.Command {
	var titles []string
	var filePath, eta string
	cmd := &cobra.Command{
		Use:   "create <request-id>",
		Short: "Start work on an approved request",
		Long: `Start work on an approved request.

Items come from repeated --item flags ("title" or "ref=title") or from a YAML
file holding a list of items:

  - ref: draft
    title: Draft the new logo
    category: design
    estimated_hours: 3
  - title: Export assets
    category: delivery
    dependencies: [draft]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := checklistInputs(titles, filePath)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wp, err := rt.Engine.CreateWorkProgress(ctx, args[0], items, eta, actor())
				if err != nil {
					return err
				}
				return printWorkProgress(wp)
			})
		},
	}
	cmd.Flags().StringArrayVar(&titles, "item", nil, `checklist item, "title" or "ref=title"`)
	cmd.Flags().StringVar(&filePath, "file", "", "YAML list of checklist items")
	cmd.Flags().StringVar(&eta, "eta", "", "estimated completion")
	return cmd
}

func checklistInputs(titles []string, filePath string) ([]engine.ChecklistItemInput, error) {
	var items []engine.ChecklistItemInput
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid checklist yaml: %w", err)
		}
		// Round-trip through JSON so the item's json tags apply.
		buf, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid checklist yaml: %w", err)
		}
		if err := json.Unmarshal(buf, &items); err != nil {
			return nil, fmt.Errorf("checklist must be a list of items: %w", err)
		}
	}
	for _, t := range titles {
		ref, title, ok := strings.Cut(t, "=")
		if !ok {
			ref, title = "", t
		}
		items = append(items, engine.ChecklistItemInput{Ref: strings.TrimSpace(ref), Title: strings.TrimSpace(title)})
	}
	return items, nil
}

func workShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show the checklist of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wp, err := rt.Engine.GetWorkProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkProgress(wp)
			})
		},
	}
}

func workUpdateCmd() *cobra.Command {
	var (
		patch       engine.ChecklistItemPatch
		status      string
		progress    int
		title       string
		assignedTo  string
		hours       float64
		deps        []string
		attachments []string
	)
	cmd := &cobra.Command{
		Use:   "update <request-id> <item-id>",
		Short: "Update one checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("status") {
				patch.Status = &status
			}
			if flags.Changed("progress") {
				patch.ProgressPercentage = &progress
			}
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("assigned-to") {
				patch.AssignedTo = &assignedTo
			}
			if flags.Changed("hours") {
				patch.EstimatedHours = &hours
			}
			if flags.Changed("depends-on") {
				patch.Dependencies = &deps
			}
			for _, a := range attachments {
				name, url, ok := strings.Cut(a, "=")
				if !ok {
					name, url = a, a
				}
				patch.AddAttachments = append(patch.AddAttachments, domain.WorkAttachment{Name: name, URL: url})
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wp, err := rt.Engine.UpdateChecklistItem(ctx, args[0], args[1], patch, actor())
				if err != nil {
					return err
				}
				return printWorkProgress(wp)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, in_progress or completed")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage 0..100")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "item ids this item waits for")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, `attachment, "url" or "name=url"`)
	return cmd
}

func printWorkProgress(wp domain.WorkProgress) error {
	if viper.GetBool("json") {
		return printJSON(wp)
	}
	fmt.Printf("Request %s: %s, %d%%\n", wp.ModificationRequestID, wp.Status, wp.OverallProgress)
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Category", "Priority", "Status", "%", "Assigned", "Depends on"})
	for _, it := range wp.ChecklistItems {
		tw.AppendRow(table.Row{it.ID, it.Title, it.Category, it.Priority, it.Status, it.ProgressPercentage, strOrEmpty(it.AssignedTo), strings.Join(it.Dependencies, ",")})
	}
	tw.Render()
	return nil
}
