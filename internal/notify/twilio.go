package notify

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// TwilioAPI is the production Twilio REST endpoint.
const TwilioAPI = "https://api.twilio.com"

// Twilio sends WhatsApp messages through the Twilio Messages API.
type Twilio struct {
	SID     string
	Token   string
	From    string // e.g. +14155238886; the whatsapp: prefix is added when missing
	To      string
	BaseURL string // defaults to TwilioAPI
	Client  *http.Client
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Send(ctx context.Context, m Message) error {
	base := t.BaseURL
	if base == "" {
		base = TwilioAPI
	}
	endpoint := strings.TrimRight(base, "/") + "/2010-04-01/Accounts/" + url.PathEscape(t.SID) + "/Messages.json"
	form := url.Values{
		"From": {whatsapp(t.From)},
		"To":   {whatsapp(t.To)},
		"Body": {m.Text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.SID, t.Token)
	return do(client(t.Client), req)
}

func whatsapp(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
