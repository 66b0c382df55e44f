package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <transaction-id>",
		Short: "Cancel an import that has not been uploaded yet",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}

	return cmd
}

func runCancel(cmd *cobra.Command, args []string) error {
	transactionID := args[0]

	importClient, err := newImportClient()
	if err != nil {
		return err
	}
	defer importClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()

	session, err := importClient.Open(ctx)
	if err != nil {
		return err
	}

	message, err := session.Cancel(transactionID)
	if err != nil {
		return fmt.Errorf("failed to cancel import: %w", err)
	}

	fmt.Printf("%s\n", message)
	return nil
}
