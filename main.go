// HandoverDesk 客服会话转人工服务
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"HandoverDesk/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "handoverdesk",
		Short:         "Support chat with bot-to-human handover",
		Long:          "HandoverDesk hosts the user and agent chat channels, escalates bot sessions to\nhuman agents and exposes a REST fallback.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.InitLogger()
		},
	}
	root.AddCommand(newServeCmd(), newResponderCmd(), newClientCmd())
	return root
}
