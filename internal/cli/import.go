package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/pkg/client"
	apperrors "invoiceimport/pkg/errors"

	"github.com/spf13/cobra"
)

var importNoWait bool

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <invoice.json>",
		Short: "Import an invoice file",
		Long: `Request an upload URL, upload the invoice file and wait for the result.

The file is a JSON document:
  {"customerName":"acme","invoiceNumber":"INV-00042","totalValue":"19.90","productId":"sku-7","quantity":3}

Examples:
  invctl import invoice.json
  invctl --server=invoices:50061 import invoice.json --no-wait`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}

	cmd.Flags().BoolVar(&importNoWait, "no-wait", false, "Return once the file is uploaded")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read invoice file: %w", err)
	}

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

	uploadCtx, uploadCancel := context.WithTimeout(ctx, cfg.CommandTimeout)
	defer uploadCancel()
	if err := importClient.Upload(uploadCtx, slot.URL, content); err != nil {
		return fmt.Errorf("failed to upload invoice: %w", err)
	}
	fmt.Printf("Uploaded %d bytes\n", len(content))

	if importNoWait {
		return nil
	}
	return printResult(session, slot.TransactionId)
}

func printResult(session *client.Session, transactionID string) error {
	st, err := session.WaitForResult(transactionID)
	switch {
	case errors.Is(err, apperrors.ErrExpiredTransaction):
		fmt.Printf("Status: %s\n", domain.StatusTimeout)
		return err
	case err != nil:
		return fmt.Errorf("failed waiting for result: %w", err)
	}

	fmt.Printf("Status: %s\n", st)
	if st != domain.StatusProcessed {
		return fmt.Errorf("import of %s ended as %s", transactionID, st)
	}
	return nil
}
