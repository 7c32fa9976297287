package smtp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/go-codegate/internal/domain"
)

// buildMessage renders msg as a multipart/alternative MIME message with a
// plain-text part and, when present, an HTML part.
func buildMessage(from string, msg domain.Email, now time.Time) ([]byte, error) {
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(from, "\r\n") {
		return nil, fmt.Errorf("build message: header injection in address")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "Message-ID: %s\r\n", messageID(from, now))
	fmt.Fprintf(&hdr, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&hdr, "From: %s\r\n", from)
	fmt.Fprintf(&hdr, "To: %s\r\n", msg.To)
	fmt.Fprintf(&hdr, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	hdr.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&hdr, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	if err := writePart(mw, "text/plain", msg.Text); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writePart(mw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	return append(hdr.Bytes(), buf.Bytes()...), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType+"; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	qw := quotedprintable.NewWriter(pw)
	if _, err := qw.Write([]byte(body)); err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	return qw.Close()
}

func messageID(from string, now time.Time) string {
	host := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		host = strings.Trim(from[at+1:], "> ")
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("<%d.%s@%s>", now.UnixNano(), hex.EncodeToString(b), host)
}
