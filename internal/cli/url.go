package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var urlWait bool

func newURLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "url",
		Short: "Request an upload URL",
		Long: `Request an upload URL for a new import.

The URL accepts one PUT of the invoice file. With --wait the command keeps
the session open and prints the final status of the transaction.

Examples:
  invctl url
  invctl url --wait`,
		Args: cobra.NoArgs,
		RunE: runURL,
	}

	cmd.Flags().BoolVar(&urlWait, "wait", false, "Wait for the transaction result")

	return cmd
}

func runURL(cmd *cobra.Command, args []string) error {
	importClient, err := newImportClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer importClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WaitTimeout)
	defer cancel()

	session, err := importClient.Open(ctx)
	if err != nil {
		return err
	}

	slot, err := session.RequestUploadURL()
	if err != nil {
		return fmt.Errorf("failed to get upload url: %w", err)
	}

	fmt.Printf("Transaction: %s\n", slot.TransactionId)
	fmt.Printf("Upload URL: %s\n", slot.URL)
	fmt.Printf("Expires in: %ss\n", slot.ExpiresIn)

	if !urlWait {
		return nil
	}

	fmt.Printf("Waiting for result...\n")
	return printResult(session, slot.TransactionId)
}
