package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/policy"
)

// Sender delivers composed messages. *gomail.Dialer implements it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier sends HTML receipts over SMTP.
type EmailNotifier struct {
	sender  Sender
	from    string
	refunds policy.Refunds
}

// NewEmailNotifier dials host:port with the given credentials for each message.
func NewEmailNotifier(host string, port int, username, password, from string) *EmailNotifier {
	return NewEmailNotifierWithSender(gomail.NewDialer(host, port, username, password), from)
}

func NewEmailNotifierWithSender(sender Sender, from string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from}
}

// WithRefundWindow sets the window used for the cancellation deadline line.
func (n *EmailNotifier) WithRefundWindow(window time.Duration) *EmailNotifier {
	n.refunds = policy.NewRefunds(window)
	return n
}

var receiptTemplates = template.Must(template.New("receipts").Parse(`
{{define "payment"}}<!DOCTYPE html>
<html><body style="font-family: sans-serif; color: #222;">
<h2>Registration confirmed</h2>
<p>Hi {{.Name}},</p>
<p>You are registered for <strong>{{.Title}}</strong> on {{.Start}}.</p>
<table cellpadding="4">
<tr><td>Receipt</td><td>{{.Receipt}}</td></tr>
<tr><td>Amount</td><td>{{.Amount}} {{.Currency}}</td></tr>
{{if .Wallet}}<tr><td>Paid from wallet</td><td>{{.Wallet}} {{.Currency}}</td></tr>{{end}}
{{if .Card}}<tr><td>Charged to card</td><td>{{.Card}} {{.Currency}}</td></tr>{{end}}
</table>
<p>Cancellations are refunded to your wallet until {{.Deadline}}.</p>
</body></html>{{end}}
{{define "refund"}}<!DOCTYPE html>
<html><body style="font-family: sans-serif; color: #222;">
<h2>Registration cancelled</h2>
<p>Hi {{.Name}},</p>
<p>Your registration for <strong>{{.Title}}</strong> was cancelled.</p>
<table cellpadding="4">
<tr><td>Receipt</td><td>{{.Receipt}}</td></tr>
<tr><td>Refunded to wallet</td><td>{{.Refund}} {{.Currency}}</td></tr>
</table>
</body></html>{{end}}
`))

type receiptView struct {
	Name     string
	Title    string
	Start    string
	Receipt  string
	Amount   string
	Wallet   string
	Card     string
	Refund   string
	Currency string
	Deadline string
}

func newReceiptView(refunds policy.Refunds, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) receiptView {
	v := receiptView{
		Name:     payer.Name,
		Title:    resource.Title,
		Start:    resource.StartTime.Format("Mon, 02 Jan 2006 15:04 MST"),
		Receipt:  record.ReceiptNumber,
		Amount:   record.Amount.StringFixed(2),
		Currency: record.Currency,
		Deadline: refunds.Deadline(resource.StartTime).Format("02 Jan 2006"),
	}
	if v.Name == "" {
		v.Name = payer.Email
	}
	if record.Method == model.MethodMixed {
		v.Wallet = record.WalletPortion.StringFixed(2)
		v.Card = record.CardPortion.StringFixed(2)
	}
	if record.RefundAmount != nil {
		v.Refund = record.RefundAmount.StringFixed(2)
	}
	return v
}

func (n *EmailNotifier) SendPaymentReceipt(_ context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	return n.send("payment", "Receipt "+record.ReceiptNumber+": "+resource.Title, payer, resource, record)
}

func (n *EmailNotifier) SendRefundReceipt(_ context.Context, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	return n.send("refund", "Refund "+record.ReceiptNumber+": "+resource.Title, payer, resource, record)
}

func (n *EmailNotifier) send(tmpl, subject string, payer *model.Payer, resource *model.Resource, record *model.PaymentRecord) error {
	var body bytes.Buffer
	if err := receiptTemplates.ExecuteTemplate(&body, tmpl, newReceiptView(n.refunds, payer, resource, record)); err != nil {
		return fmt.Errorf("render %s receipt: %w", tmpl, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(n.from, "Campus Booking"))
	m.SetHeader("To", payer.Email)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send %s receipt to %s: %w", tmpl, payer.Email, err)
	}
	return nil
}
