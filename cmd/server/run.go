package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"aerostic/backend/internal/engine"
	"aerostic/backend/internal/executors"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/trigger"
	"aerostic/backend/internal/workflowfile"
	"aerostic/backend/pkg/models"
)

const localTenant = "local"

func newRunCommand(root *rootOptions) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow file once against an in-memory store",
		Long: "Execute a workflow file once against an in-memory store. Outbound messages are logged " +
			"instead of sent; AI nodes use the providers configured for the server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var payload map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}

			ctx := contextOrBackground(cmd.Context())
			generator, err := newGenerator(ctx, cfg, logger)
			if err != nil {
				return err
			}
			out, err := runFile(ctx, args[0], payload, generator, logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object placed under trigger.data")
	return cmd
}

type runOutput struct {
	*models.WorkflowExecution
	Logs []*models.WorkflowExecutionLog `json:"logs"`
}

func runFile(ctx context.Context, path string, data map[string]any, generator services.TextGenerator, logger *logging.Logger) (*runOutput, error) {
	wf, err := workflowfile.Load(path)
	if err != nil {
		return nil, err
	}
	wf.TenantID = localTenant

	store := repository.NewInMemoryStore()
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	registry := executors.NewRegistry(executors.Dependencies{
		Messenger: services.NewLogMessageSender(logger),
		Generator: generator,
		Contacts:  services.NewContactService(store, logger),
		Memory:    store,
	})
	runner := engine.NewRunner(store, registry, services.NopProgressSink{}, logger, engine.Options{})

	event := models.TriggerEvent{Type: trigger.EventTypeManual, TenantID: localTenant, Data: data}
	if id, ok := data["contactId"].(string); ok {
		event.ContactID = id
	}
	exec, runErr := runner.Execute(ctx, engine.Request{
		WorkflowID:    wf.ID,
		TenantID:      localTenant,
		Source:        models.TriggerSourceManual,
		Event:         event,
		AllowInactive: true,
	})
	if exec == nil {
		return nil, runErr
	}
	if runErr != nil {
		logger.Warn("Workflow run failed", "execution_id", exec.ID, "error", runErr)
	}

	logs, err := store.ListLogs(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return &runOutput{WorkflowExecution: exec, Logs: logs}, nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Check workflow files for parse and graph errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				wf, err := workflowfile.Load(path)
				if err == nil {
					err = workflowfile.Validate(wf)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d edges)\n", path, len(wf.Nodes), len(wf.Edges))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow files invalid", failed, len(args))
			}
			return nil
		},
	}
}
