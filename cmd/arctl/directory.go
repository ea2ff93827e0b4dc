package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ar-invoices/internal/config"
	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/profile"
	"github.com/pesio-ai/be-ar-invoices/internal/render"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

var issuerCmd = &cobra.Command{
	Use:   "issuer",
	Short: "Manage issuer legal profiles",
}

var issuerSetCmd = &cobra.Command{
	Use:     "set <file.json>",
	Short:   "Create or replace an issuer from a JSON profile",
	Example: `  arctl issuer set acme.json`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var issuer repository.Issuer
		if err := readJSON(args[0], &issuer); err != nil {
			return err
		}
		if issuer.ID == "" {
			return fmt.Errorf("issuer profile must carry an id")
		}

		if ok, missing := profile.NewChecker().Check(&issuer); !ok {
			log.Warn().
				Str("issuer_id", issuer.ID).
				Strs("missing", missing).
				Msg("Issuer profile is incomplete, its invoices cannot be finalized yet")
		}

		return withDB(cmd.Context(), func(db *database.DB) error {
			if err := repository.NewIssuerRepository(db).Upsert(cmd.Context(), &issuer); err != nil {
				return err
			}
			log.Info().Str("issuer_id", issuer.ID).Str("prefix", issuer.InvoicePrefix).Msg("Issuer saved")
			return nil
		})
	},
}

var issuerCheckCmd = &cobra.Command{
	Use:   "check <issuer-id>",
	Short: "Report missing legal mentions of an issuer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(db *database.DB) error {
			issuer, err := repository.NewIssuerRepository(db).GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ok, missing := profile.NewChecker().Check(issuer)
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: profile complete\n", issuer.ID)
				return nil
			}
			return fmt.Errorf("%s: missing %s", issuer.ID, strings.Join(missing, ", "))
		})
	},
}

var clientAddCmd = &cobra.Command{
	Use:   "client-add <file.json>",
	Short: "Register a client of an issuer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c repository.Client
		if err := readJSON(args[0], &c); err != nil {
			return err
		}
		if c.IssuerID == "" || c.Name == "" {
			return fmt.Errorf("client must carry issuerId and name")
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}

		return withDB(cmd.Context(), func(db *database.DB) error {
			if err := repository.NewClientRepository(db).Create(cmd.Context(), &c); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		})
	},
}

var templateSetCmd = &cobra.Command{
	Use:   "template-set <issuer-id> <file.html>",
	Short: "Install an HTML template as the issuer's default",
	Long: `Install an HTML template as the issuer's default.

The template is executed against a sample invoice first; a template that
fails to parse or execute is refused.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		html, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read template: %w", err)
		}

		t := &repository.Template{
			ID:        uuid.NewString(),
			IssuerID:  args[0],
			Name:      name,
			HTML:      string(html),
			IsDefault: true,
		}

		return withDB(cmd.Context(), func(db *database.DB) error {
			issuer, err := repository.NewIssuerRepository(db).GetByID(cmd.Context(), t.IssuerID)
			if err != nil {
				return err
			}
			if _, err := render.BuildHTML(sampleInput(issuer, t)); err != nil {
				return err
			}
			if err := repository.NewTemplateRepository(db).Create(cmd.Context(), t); err != nil {
				return err
			}
			log.Info().Str("issuer_id", t.IssuerID).Str("template_id", t.ID).Msg("Default template installed")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(issuerCmd)
	issuerCmd.AddCommand(issuerSetCmd, issuerCheckCmd, clientAddCmd, templateSetCmd)

	templateSetCmd.Flags().String("name", "default", "Template name")
}

func withDB(ctx context.Context, fn func(db *database.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := database.New(ctx, database.Config{DSN: cfg.Database.DSN(), MaxConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func sampleInput(issuer *repository.Issuer, t *repository.Template) render.Input {
	now := time.Now()
	due := now.AddDate(0, 0, 30)
	clientID := "sample"
	one := decimal.NewFromInt(1)
	price := decimal.NewFromInt(100)
	return render.Input{
		Invoice: &repository.Invoice{
			IssuerID:      issuer.ID,
			ClientID:      &clientID,
			InvoiceNumber: fmt.Sprintf("%s%d-SAM-0001", issuer.InvoicePrefix, now.Year()),
			IssueDate:     &now,
			DueDate:       &due,
			Currency:      "EUR",
			Items: []repository.InvoiceItem{
				{Description: "Sample", Quantity: one, UnitPrice: price, VATRate: decimal.NewFromInt(20), Total: price},
			},
			Subtotal:   price,
			TaxAmount:  decimal.NewFromInt(20),
			Total:      decimal.NewFromInt(120),
			BalanceDue: decimal.NewFromInt(120),
		},
		Client:   &repository.Client{ID: clientID, IssuerID: issuer.ID, Name: "Sample Client"},
		Issuer:   issuer,
		Template: t,
	}
}
