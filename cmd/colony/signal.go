package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/engine"
	"github.com/ShayCichocki/colony/internal/signals"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Send a control signal to a running colony",
	Long: `Drop a control signal into the project's signals directory. A running
colony picks it up immediately.`,
}

var signalCancelCmd = &cobra.Command{
	Use:   "cancel <plan-id>",
	Short: "Cancel a running plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(cmd, signals.Signal{Kind: signals.KindCancel, Target: args[0]})
	},
}

var signalDeactivateCmd = &cobra.Command{
	Use:   "deactivate [project-id]",
	Short: "Stop a project's agent hierarchy (default: this project)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		} else {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			target = engine.ProjectID(root)
		}
		return sendSignal(cmd, signals.Signal{Kind: signals.KindDeactivate, Target: target})
	},
}

var signalShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a running colony to shut down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(cmd, signals.Signal{Kind: signals.KindShutdown})
	},
}

func init() {
	signalCmd.AddCommand(signalCancelCmd)
	signalCmd.AddCommand(signalDeactivateCmd)
	signalCmd.AddCommand(signalShutdownCmd)
}

func sendSignal(cmd *cobra.Command, s signals.Signal) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := signals.Send(cfg.SignalsDir(), s); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", s.FileName())
	return nil
}
