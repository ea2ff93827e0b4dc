package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ar-invoices/internal/client"
)

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Finalize invoices and check their archived PDFs",
	Long: `Invoice commands call the InvoiceIntegrity gRPC service of a running server.

Credentials come from --token (or AR_TOKEN). Against a development server
that trusts identity headers, --issuer and --user are enough.`,
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <invoice-id>",
	Short: "Finalize a draft invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, issuerID, err := dialIntegrity(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.FinalizeInvoice(cmd.Context(), issuerID, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var verifyCmd = &cobra.Command{
	Use:     "verify <invoice-id>...",
	Short:   "Check archived PDFs against their recorded hashes",
	Example: `  arctl invoice verify --issuer acme 3f0c... 9a12...`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, issuerID, err := dialIntegrity(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		failed := 0
		for _, id := range args {
			res, err := c.VerifyInvoice(cmd.Context(), issuerID, id)
			if err != nil {
				log.Error().Err(err).Str("invoice_id", id).Msg("Verification failed")
				failed++
				continue
			}
			if !res.Verified {
				failed++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", id, res.Status, res.Message)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d invoices did not verify", failed, len(args))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <invoice-id>",
	Short: "Print an invoice's audit trail, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c, issuerID, err := dialIntegrity(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		entries, err := c.GetAuditHistory(cmd.Context(), issuerID, args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, entries)
	},
}

func init() {
	rootCmd.AddCommand(invoiceCmd)
	invoiceCmd.AddCommand(finalizeCmd, verifyCmd, historyCmd)

	invoiceCmd.PersistentFlags().String("addr", "localhost:9086", "gRPC address of the server")
	invoiceCmd.PersistentFlags().String("token", "", "Bearer token (default $AR_TOKEN)")
	invoiceCmd.PersistentFlags().String("issuer", "", "Issuer id")
	invoiceCmd.PersistentFlags().String("user", "arctl", "User id sent with identity headers")

	historyCmd.Flags().Int("limit", 100, "Maximum number of entries")
}

func dialIntegrity(cmd *cobra.Command) (*client.IntegrityGRPCClient, string, error) {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	issuerID, _ := cmd.Flags().GetString("issuer")
	userID, _ := cmd.Flags().GetString("user")

	if token == "" {
		token = os.Getenv("AR_TOKEN")
	}
	if token == "" && issuerID == "" {
		return nil, "", fmt.Errorf("either --token or --issuer is required")
	}

	c, err := client.NewIntegrityGRPCClient(addr, client.Credentials{
		Token:    token,
		IssuerID: issuerID,
		UserID:   userID,
	})
	if err != nil {
		return nil, "", err
	}
	return c, issuerID, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
