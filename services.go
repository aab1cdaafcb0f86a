package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newServicesCmd(o *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:           "services [user@host]",
		Short:         "List the services on the remote host",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			return runServices(cmd.Context(), o, cmd.Flags().Changed, stdout, target)
		},
	}
}

func runServices(ctx context.Context, o *options, changed func(string) bool, stdout io.Writer, targetArg string) error {
	s, err := connect(ctx, o, changed, targetArg)
	if err != nil {
		return err
	}
	defer s.Close()

	services, err := s.backend.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services on %s: %w", s.target, err)
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().PaddingRight(2)
		}).
		Headers("NAME", "REPLICAS", "AGE")
	for _, svc := range services {
		replicas := svc.Replicas
		if replicas == "" {
			replicas = "-"
		}
		t.Row(svc.Name, replicas, svc.Age())
	}
	_, err = fmt.Fprintln(stdout, t.Render())
	return err
}
