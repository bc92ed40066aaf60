package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/ctxsync/pkg/client"
	"github.com/theapemachine/ctxsync/pkg/errors"
)

var (
	projectFlag string
	agentFlag   string
	setFlag     string
	watchFlag   bool
	urlFlag     string

	agentCmd = &cobra.Command{
		Use:          "agent",
		Short:        "Read, write or follow a project's context as an agent",
		Long:         longAgent,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectFlag == "" {
				return errors.ErrValidation.WithMessagef("--project is required")
			}

			if agentFlag == "" {
				agentFlag = "cli-" + uuid.NewString()[:8]
			}

			cfg := newClientConfig(viper.GetViper())
			cfg.ProjectID = projectFlag
			cfg.AgentID = agentFlag

			if urlFlag != "" {
				cfg.BaseURL = urlFlag
			}

			agent := client.NewContextClient(cfg)
			defer agent.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if setFlag != "" {
				if err := setContext(ctx, agent, setFlag); err != nil {
					return err
				}
			}

			if watchFlag {
				return watch(ctx, agent)
			}

			if setFlag != "" {
				return nil
			}

			data, err := agent.GetContext(ctx, false)

			if err != nil {
				return err
			}

			return printJSON(map[string]any{"version": agent.Version(), "data": data})
		},
	}
)

func setContext(ctx context.Context, agent *client.ContextClient, path string) error {
	buf, err := os.ReadFile(path)

	if err != nil {
		return errors.ErrValidation.Wrap(err).WithMessagef("reading %s", path)
	}

	var data map[string]any

	if err := json.Unmarshal(buf, &data); err != nil {
		return errors.ErrValidation.Wrap(err).WithMessagef("%s is not a JSON object", path)
	}

	// Start from the service's copy, so only the difference goes out.
	if _, err := agent.GetContext(ctx, false); err != nil && errors.KindOf(err) != errors.KindNotFound {
		return err
	}

	update, err := agent.UpdateContext(ctx, data)

	if err != nil {
		return err
	}

	log.Info("context written", "project", agent.ProjectID(), "version", update.Version, "diff", update.AsDiff, "tokensSaved", update.TokensSaved)

	return nil
}

func watch(ctx context.Context, agent *client.ContextClient) error {
	if err := agent.Connect(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-agent.Events():
			if !ok {
				return nil
			}

			switch ev.Kind {
			case client.EventContextUpdated:
				if ev.Full {
					data, err := agent.GetContext(ctx, true)

					if err != nil {
						return err
					}

					_ = printJSON(map[string]any{"version": ev.Version, "data": data})
					continue
				}

				_ = printJSON(map[string]any{"version": ev.Version, "diff": ev.Diff})
			case client.EventError:
				log.Warn("stream error", "error", ev.Err)
			default:
				log.Info("stream "+string(ev.Kind), "reason", ev.Reason, "version", ev.Version)
			}
		}
	}
}

func printJSON(value any) error {
	buf, err := json.MarshalIndent(value, "", "  ")

	if err != nil {
		return err
	}

	fmt.Println(string(buf))

	return nil
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&projectFlag, "project", "", "project to work on")
	agentCmd.Flags().StringVar(&agentFlag, "agent", "", "agent id (generated when empty)")
	agentCmd.Flags().StringVar(&setFlag, "set", "", "JSON file to make the project's context")
	agentCmd.Flags().BoolVar(&watchFlag, "watch", false, "follow the push stream and print every change")
	agentCmd.Flags().StringVar(&urlFlag, "url", "", "service base URL (overrides client.baseURL)")
}

var longAgent = `
Act as an agent against a running service.

Examples:
  # Print the context of project demo
  ctxsync agent --project demo

  # Replace it with the contents of ctx.json, sending only the diff
  ctxsync agent --project demo --agent frontend --set ctx.json

  # Follow every change
  ctxsync agent --project demo --agent backend --watch
`
