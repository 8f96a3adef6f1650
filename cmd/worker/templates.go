package main

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

var (
	emailSubject = template.Must(template.New("subject").Parse(`Order {{.ShortID}} received`))

	emailBody = template.Must(template.New("email").Parse(`Hi {{.Name}},

Thanks for your order! Here is what we received:
{{range .Items}}
  {{.Quantity}} x {{.Name}}  ${{.LineTotal}}{{end}}

Total: ${{.Total}}
{{- if .Delivery}}
Delivering to: {{.Address}}{{end}}

Changed your mind? You can cancel until {{.CancelBy}}.
`))

	smsBody = template.Must(template.New("sms").Parse(
		`{{.Name}}, we got order {{.ShortID}} (${{.Total}}). Cancel until {{.CancelBy}}.`))
)

type lineView struct {
	Quantity  int
	Name      string
	LineTotal string
}

type orderView struct {
	Name     string
	ShortID  string
	Items    []lineView
	Total    string
	Delivery bool
	Address  string
	CancelBy string
}

func newOrderView(o *orders.Order) orderView {
	v := orderView{
		Name:     firstName(o.Customer.Name),
		ShortID:  shortID(o.ID),
		Total:    o.Pricing.Total.StringFixed(2),
		CancelBy: o.GraceExpiresAt.UTC().Format("15:04 MST"),
	}
	for _, l := range o.Items {
		v.Items = append(v.Items, lineView{Quantity: l.Quantity, Name: l.Name, LineTotal: l.LineTotal.StringFixed(2)})
	}
	if o.OrderType == orders.OrderTypeDelivery && o.DeliveryAddress != nil {
		v.Delivery = true
		v.Address = fmt.Sprintf("%s, %s %s", o.DeliveryAddress.Line1, o.DeliveryAddress.City, o.DeliveryAddress.PostalCode)
	}
	return v
}

type renderedBatch struct {
	notifications []Notification
	// skippedSMS is set when the order has no usable phone number.
	skippedSMS error
}

func render(o *orders.Order, phoneRegion string) (renderedBatch, error) {
	view := newOrderView(o)
	var batch renderedBatch

	if o.Customer.Email != "" {
		subject, err := execute(emailSubject, view)
		if err != nil {
			return batch, err
		}
		body, err := execute(emailBody, view)
		if err != nil {
			return batch, err
		}
		batch.notifications = append(batch.notifications, Notification{
			OrderID: o.ID, Channel: ChannelEmail, To: o.Customer.Email, Subject: subject, Body: body,
		})
	}

	phone, err := normalizedPhone(o.Customer.Phone, phoneRegion)
	if err != nil {
		batch.skippedSMS = err
		return batch, nil
	}
	body, err := execute(smsBody, view)
	if err != nil {
		return batch, err
	}
	batch.notifications = append(batch.notifications, Notification{
		OrderID: o.ID, Channel: ChannelSMS, To: phone, Body: body,
	})
	return batch, nil
}

func execute(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func firstName(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return "there"
}

func shortID(id string) string {
	if len(id) > 8 {
		return strings.ToUpper(id[:8])
	}
	return strings.ToUpper(id)
}
