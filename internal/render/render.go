// Package render turns an invoice into PDF bytes. The layout itself comes
// from the issuer's template; this package only fills it and prints it.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

// Input is everything a template may reference.
type Input struct {
	Invoice  *repository.Invoice
	Client   *repository.Client
	Issuer   *repository.Issuer
	Template *repository.Template // nil selects the built-in layout
}

// Renderer produces the PDF for an invoice. Implementations must honour
// ctx cancellation.
type Renderer interface {
	Render(ctx context.Context, in Input) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, in Input) ([]byte, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, in Input) ([]byte, error) {
	return f(ctx, in)
}

var funcMap = template.FuncMap{
	"money": func(d decimal.Decimal, currency string) string {
		return d.StringFixed(2) + " " + currency
	},
	"decimal": func(d decimal.Decimal) string {
		return d.String()
	},
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("02/01/2006")
	},
	"upper": strings.ToUpper,
}

// BuildHTML executes in.Template, or the built-in layout, against in.
func BuildHTML(in Input) (string, error) {
	name, content := "default", defaultTemplate
	if in.Template != nil && strings.TrimSpace(in.Template.HTML) != "" {
		name, content = in.Template.ID, in.Template.HTML
	}

	tmpl, err := template.New(name).Funcs(funcMap).Parse(content)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeRender, "failed to parse invoice template")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, in); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeRender, fmt.Sprintf("failed to execute template %q", name))
	}
	return buf.String(), nil
}

const defaultTemplate = `<!DOCTYPE html>
<html lang="fr">
<head>
<meta charset="utf-8">
<title>Facture {{.Invoice.InvoiceNumber}}</title>
<style>
  body { font-family: Helvetica, Arial, sans-serif; font-size: 11pt; color: #222; }
  table { width: 100%; border-collapse: collapse; margin-top: 16px; }
  th, td { border-bottom: 1px solid #ddd; padding: 6px; text-align: left; }
  td.num, th.num { text-align: right; }
  .parties { display: flex; justify-content: space-between; }
  .totals { margin-top: 16px; width: 40%; margin-left: auto; }
  .legal { margin-top: 32px; font-size: 8pt; color: #666; }
</style>
</head>
<body>
<h1>Facture {{.Invoice.InvoiceNumber}}</h1>
<div class="parties">
  <div>
    <strong>{{.Issuer.LegalName}}</strong><br>
    {{.Issuer.AddressLine1}}<br>
    {{if .Issuer.AddressLine2}}{{.Issuer.AddressLine2}}<br>{{end}}
    {{.Issuer.PostalCode}} {{.Issuer.City}}<br>
    SIRET {{.Issuer.SIRET}} · TVA {{.Issuer.VATNumber}}
  </div>
  <div>
    {{if .Client}}<strong>{{.Client.Name}}</strong><br>
    {{.Client.AddressLine1}}<br>
    {{.Client.PostalCode}} {{.Client.City}}{{end}}
  </div>
</div>
<p>Date d'émission : {{date .Invoice.IssueDate}} · Échéance : {{date .Invoice.DueDate}}</p>
<table>
  <thead><tr><th>Désignation</th><th class="num">Qté</th><th class="num">PU HT</th><th class="num">TVA</th><th class="num">Total HT</th></tr></thead>
  <tbody>
  {{range .Invoice.Items}}
    <tr>
      <td>{{.Description}}</td>
      <td class="num">{{decimal .Quantity}}</td>
      <td class="num">{{money .UnitPrice $.Invoice.Currency}}</td>
      <td class="num">{{decimal .VATRate}} %</td>
      <td class="num">{{money .Total $.Invoice.Currency}}</td>
    </tr>
  {{end}}
  </tbody>
</table>
<table class="totals">
  <tr><td>Total HT</td><td class="num">{{money .Invoice.Subtotal .Invoice.Currency}}</td></tr>
  <tr><td>TVA</td><td class="num">{{money .Invoice.TaxAmount .Invoice.Currency}}</td></tr>
  <tr><th>Total TTC</th><th class="num">{{money .Invoice.Total .Invoice.Currency}}</th></tr>
</table>
{{if .Issuer.IBAN}}<p>IBAN : {{.Issuer.IBAN}}</p>{{end}}
<p class="legal">En cas de retard de paiement, une pénalité égale à trois fois le taux d'intérêt légal
sera exigible, ainsi qu'une indemnité forfaitaire pour frais de recouvrement de 40 €.</p>
</body>
</html>
`
