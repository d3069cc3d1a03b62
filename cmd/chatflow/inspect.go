package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/repository"
	"github.com/rendis/chatflow/pkg/schema"
)

func newTraceCmd(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "trace EXECUTION_ID",
		Short: "Print the step trace of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, "json", "text", "mermaid", "ascii"); err != nil {
				return err
			}
			return withApp(cmd, flags, appOptions{}, func(ctx context.Context, a *app) error {
				steps, err := a.engine.GetTrace(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch format {
				case "json":
					return writeJSON(out, map[string]any{"execution_id": args[0], "steps": steps})
				case "text":
					printTrace(out, steps)
					return nil
				}
				ec, err := a.engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				def, err := a.cache.GetDefinition(ctx, ec.DefinitionID, ec.DefinitionVersion)
				if err != nil {
					return err
				}
				return renderDiagram(out, format, def, ec, steps)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json, mermaid, ascii")
	return cmd
}

func newAbortCmd(flags *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort EXECUTION_ID",
		Short: "Abort an active execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, appOptions{}, func(ctx context.Context, a *app) error {
				ec, err := a.engine.Abort(ctx, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "execution %s %s\n", ec.ExecutionID, ec.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "aborted from cli", "reason recorded on the execution")
	return cmd
}

func newDiagramCmd(flags *globalFlags) *cobra.Command {
	var (
		format      string
		executionID string
	)
	cmd := &cobra.Command{
		Use:   "diagram [FILE]",
		Short: "Render a definition as a Mermaid or ASCII diagram",
		Long:  "Renders FILE, or with --execution the definition of that execution overlaid with its trace.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, "mermaid", "ascii"); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if executionID == "" {
				if len(args) == 0 {
					return fmt.Errorf("a definition file or --execution is required")
				}
				def, err := repository.LoadDefinitionFile(args[0])
				if err != nil {
					return err
				}
				return renderDiagram(out, format, def, nil, nil)
			}
			return withApp(cmd, flags, appOptions{}, func(ctx context.Context, a *app) error {
				ec, err := a.engine.Status(ctx, executionID)
				if err != nil {
					return err
				}
				steps, err := a.engine.GetTrace(ctx, executionID)
				if err != nil {
					return err
				}
				def, err := a.cache.GetDefinition(ctx, ec.DefinitionID, ec.DefinitionVersion)
				if err != nil {
					return err
				}
				return renderDiagram(out, format, def, ec, steps)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, ascii")
	cmd.Flags().StringVar(&executionID, "execution", "", "overlay the trace of this execution")
	return cmd
}

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q (want one of %v)", format, allowed)
}

func renderDiagram(w io.Writer, format string, def *schema.WorkflowDefinition, ec *schema.ExecutionContext, steps []*schema.ExecutionStep) error {
	model, err := diagram.Build(def, ec, steps)
	if err != nil {
		return err
	}
	if format == "ascii" {
		_, err = io.WriteString(w, diagram.RenderASCII(model))
	} else {
		_, err = io.WriteString(w, diagram.RenderMermaid(model))
	}
	return err
}

func printTrace(w io.Writer, steps []*schema.ExecutionStep) {
	for _, s := range steps {
		line := fmt.Sprintf("%3d  %-10s %-16s %-8s %5dms", s.StepIndex, s.NodeType, s.NodeID, s.Phase, s.DurationMs)
		if s.Error != nil {
			line += fmt.Sprintf("  %s: %s", s.Error.Code, s.Error.Message)
		}
		fmt.Fprintln(w, line)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
