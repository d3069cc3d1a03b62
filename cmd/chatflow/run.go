package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/gateway"
	"github.com/rendis/chatflow/internal/repository"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		version int
		convRef string
		vars    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run FILE|DEFINITION_ID",
		Short: "Chat with a definition in the terminal",
		Long: "Starts an execution and feeds each line of stdin to it while it waits for input. " +
			"FILE may be a YAML or JSON definition; anything else is looked up as a published definition id.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			opts := appOptions{
				Deliverer: gateway.DelivererFunc(func(_ context.Context, _ string, text string) error {
					_, err := fmt.Fprintf(out, "bot> %s\n", text)
					return err
				}),
			}

			defID := args[0]
			if _, err := os.Stat(args[0]); err == nil {
				def, err := repository.LoadDefinitionFile(args[0])
				if err != nil {
					return err
				}
				local := store.NewMemoryStore()
				if err := local.SaveDefinition(cmd.Context(), def); err != nil {
					return err
				}
				opts.Definitions = local
				defID, version = def.ID, def.Version
			}
			if convRef == "" {
				convRef = "cli-" + uuid.NewString()[:8]
			}

			return withApp(cmd, flags, opts, func(ctx context.Context, a *app) error {
				return converse(ctx, a.engine, cmd.InOrStdin(), out, defID, version, convRef, parseVars(vars))
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "definition version (default: latest)")
	cmd.Flags().StringVar(&convRef, "conversation", "", "conversation reference (default: random)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "initial variable as key=value; JSON values are decoded")
	return cmd
}

// conversationEngine is the slice of the engine the terminal loop drives.
type conversationEngine interface {
	Start(ctx context.Context, definitionID string, version int, conversationRef string, vars map[string]any) (*engine.Outcome, error)
	Resume(ctx context.Context, executionID string, event *schema.InboundEvent) (*engine.Outcome, error)
}

func converse(ctx context.Context, eng conversationEngine, in io.Reader, out io.Writer, defID string, version int, convRef string, vars map[string]any) error {
	outcome, err := eng.Start(ctx, defID, version, convRef, vars)
	if err != nil {
		return err
	}
	ec := outcome.Execution
	scanner := bufio.NewScanner(in)
	for ec.Status == schema.StatusWaitingForInput {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintf(out, "\nexecution %s is still waiting for input\n", ec.ExecutionID)
			return scanner.Err()
		}
		outcome, err = eng.Resume(ctx, ec.ExecutionID, &schema.InboundEvent{
			Type:       schema.EventMessage,
			Text:       scanner.Text(),
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		ec = outcome.Execution
	}

	fmt.Fprintf(out, "execution %s %s after %d steps\n", ec.ExecutionID, ec.Status, ec.StepCount)
	if ec.Error != nil {
		return fmt.Errorf("%s: %s", ec.Error.Code, ec.Error.Message)
	}
	return nil
}

func parseVars(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	vars := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			decoded = v
		}
		vars[k] = decoded
	}
	return vars
}
