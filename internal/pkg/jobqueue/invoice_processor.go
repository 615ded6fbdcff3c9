package jobqueue

import (
	"github.com/wingerapp/winger-backend/internal/pkg/invoice"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

// Dispatcher queues invoice generation as a background job so webhook
// handlers never wait on PDF rendering, archival or SMTP.
type Dispatcher struct {
	queue *Queue
}

// NewDispatcher creates a dispatcher backed by the given queue.
func NewDispatcher(queue *Queue) *Dispatcher {
	return &Dispatcher{queue: queue}
}

// DispatchInvoice enqueues one invoice generation job.
func (d *Dispatcher) DispatchInvoice(req payment.InvoiceRequest) error {
	payload := InvoiceJobPayload{
		InvoiceID:     req.InvoiceID,
		AidantID:      req.AidantID,
		Price:         req.Price,
		Label:         req.Label,
		PaymentMethod: req.PaymentMethod,
	}
	_, err := d.queue.EnqueueJob(JobTypeInvoice, payload.ToMap())
	return err
}

// GeneratorProcessor adapts the invoice generator to the worker interface.
type GeneratorProcessor struct {
	generator *invoice.Generator
}

// NewGeneratorProcessor wraps an invoice generator for queue processing.
func NewGeneratorProcessor(generator *invoice.Generator) *GeneratorProcessor {
	return &GeneratorProcessor{generator: generator}
}

// ProcessInvoice renders, archives and emails one invoice.
func (p *GeneratorProcessor) ProcessInvoice(payload *InvoiceJobPayload) error {
	return p.generator.Generate(payment.InvoiceRequest{
		InvoiceID:     payload.InvoiceID,
		AidantID:      payload.AidantID,
		Price:         payload.Price,
		Label:         payload.Label,
		PaymentMethod: payload.PaymentMethod,
	})
}
