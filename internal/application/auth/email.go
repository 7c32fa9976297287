package auth

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/go-codegate/internal/domain"
)

const codeEmailSubject = "Your login code"

var codeEmailHTML = template.Must(template.New("code").Parse(`<div>
	<p>Your login code is:</p>
	<p style="font-size: 24px; font-weight: bold; letter-spacing: 4px;">{{.Code}}</p>
	<p style="color: #666;">It expires in {{.TTL}}. If you did not try to sign in to <a href="{{.BaseURL}}">{{.BaseURL}}</a>, you can ignore this email.</p>
</div>`))

func codeEmail(to, code string, ttl time.Duration, baseURL string) (domain.Email, error) {
	data := struct {
		Code    string
		TTL     string
		BaseURL string
	}{code, humanDuration(ttl), baseURL}

	var html bytes.Buffer
	if err := codeEmailHTML.Execute(&html, data); err != nil {
		return domain.Email{}, fmt.Errorf("render code email: %w", err)
	}
	return domain.Email{
		To:      to,
		Subject: codeEmailSubject,
		Text:    fmt.Sprintf("Your login code is: %s\n\nIt expires in %s.\n", code, data.TTL),
		HTML:    html.String(),
	}, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
