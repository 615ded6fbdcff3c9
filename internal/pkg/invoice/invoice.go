package invoice

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/env"
	"github.com/wingerapp/winger-backend/internal/pkg/mail"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
	"github.com/wingerapp/winger-backend/internal/pkg/s3store"
)

// Generator renders invoice PDFs, archives them and emails them to the
// customer. The archive client may be nil when archival is disabled.
type Generator struct {
	users   repository.UserRepository
	archive *s3store.Client
	config  *s3store.Config

	now func() time.Time
}

// NewGenerator creates an invoice generator.
func NewGenerator(users repository.UserRepository, archive *s3store.Client, config *s3store.Config) *Generator {
	return &Generator{
		users:   users,
		archive: archive,
		config:  config,
		now:     time.Now,
	}
}

// Generate produces the invoice for a settled payment: render the PDF,
// archive it when enabled, email it to the customer, then drop the temp
// file. The email failing is logged but does not fail the invoice; the
// archived copy remains retrievable.
func (g *Generator) Generate(req payment.InvoiceRequest) error {
	user, err := g.users.GetByID(req.AidantID)
	if err != nil {
		return fmt.Errorf("load customer for invoice %s: %w", req.InvoiceID, err)
	}

	issuedAt := g.now()
	path, err := g.render(req, user.FirstName+" "+user.LastName, issuedAt)
	if err != nil {
		return fmt.Errorf("render invoice %s: %w", req.InvoiceID, err)
	}
	defer func() {
		if rerr := os.Remove(path); rerr != nil {
			log.Warnf("invoice temp file cleanup failed %s: %v", path, rerr)
		}
	}()

	if g.archive != nil && g.config != nil {
		key := g.config.InvoiceObjectKey(req.InvoiceID, issuedAt)
		if _, aerr := g.archive.UploadInvoice(path, key); aerr != nil {
			log.Errorf("invoice archive upload failed %s: %v", req.InvoiceID, aerr)
		}
	}

	if user.Email == "" {
		log.Warnf("customer %d has no email, invoice %s not sent", req.AidantID, req.InvoiceID)
		return nil
	}

	subject := fmt.Sprintf("Votre facture %s", req.InvoiceID)
	body := fmt.Sprintf(
		"<p>Bonjour %s,</p><p>Veuillez trouver ci-joint votre facture <strong>%s</strong> (%s, %.2f €).</p><p>L'équipe Winger</p>",
		user.FirstName, req.InvoiceID, req.Label, req.Price,
	)
	if merr := mail.SendMailWithAttachment(user.Email, subject, body, path); merr != nil {
		log.Errorf("invoice email failed %s to %s: %v", req.InvoiceID, user.Email, merr)
	}

	return nil
}

// render writes the invoice PDF into the temp directory and returns its path.
func (g *Generator) render(req payment.InvoiceRequest, customerName string, issuedAt time.Time) (string, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	company := env.GetEnv("INVOICE_COMPANY_NAME", "Winger")
	companyAddress := env.GetEnv("INVOICE_COMPANY_ADDRESS", "")

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, tr(company))
	pdf.Ln(8)
	if companyAddress != "" {
		pdf.SetFont("Helvetica", "", 10)
		pdf.Cell(0, 6, tr(companyAddress))
		pdf.Ln(6)
	}
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 8, tr(fmt.Sprintf("Facture %s", req.InvoiceID)))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Date : %s", issuedAt.Format("02/01/2006"))))
	pdf.Ln(6)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Client : %s", customerName)))
	pdf.Ln(6)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Moyen de paiement : %s", paymentMethodLabel(req.PaymentMethod))))
	pdf.Ln(12)

	// Line items table
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(140, 8, tr("Désignation"), "1", 0, "L", true, 0, "")
	pdf.CellFormat(40, 8, tr("Montant TTC"), "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(140, 8, tr(req.Label), "1", 0, "L", false, 0, "")
	pdf.CellFormat(40, 8, tr(fmt.Sprintf("%.2f €", req.Price)), "1", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(140, 8, tr("Total"), "1", 0, "L", false, 0, "")
	pdf.CellFormat(40, 8, tr(fmt.Sprintf("%.2f €", req.Price)), "1", 1, "R", false, 0, "")

	pdf.Ln(10)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.Cell(0, 5, tr("TVA non applicable, article 293 B du CGI."))

	path := filepath.Join(os.TempDir(), req.InvoiceID+".pdf")
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", err
	}
	return path, nil
}

func paymentMethodLabel(method string) string {
	switch method {
	case "paypal":
		return "PayPal"
	case "apple":
		return "Apple In-App"
	case "card":
		return "Carte bancaire"
	default:
		return method
	}
}
