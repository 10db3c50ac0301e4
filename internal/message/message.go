// Package message decodes inbound mail into a sender and a plain-text body.
package message

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// ErrNoBody is returned when a message has no text part.
var ErrNoBody = errors.New("message has no text body")

var (
	markupRe    = regexp.MustCompile(`<[\s\S]*?>|&nbsp;|&quot;|.*?;}`)
	lineBreakRe = regexp.MustCompile(`(\r\n){5,}`)
)

// Message is a decoded inbound request.
type Message struct {
	From    string // bare lower-case address
	Subject string
	Body    string
}

// Domain returns the part of the sender address after '@'.
func (m Message) Domain() string {
	return Domain(m.From)
}

// Domain returns the domain of an address, or "" when it has none.
func Domain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

// Clean removes HTML tags, a couple of entities and inline CSS rules, then
// collapses long runs of blank lines.
func Clean(body string) string {
	body = markupRe.ReplaceAllString(body, "")
	return lineBreakRe.ReplaceAllString(body, "\r\n")
}

// New builds a message from an already decoded sender and body.
func New(from, body string) (Message, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return Message{}, fmt.Errorf("parsing sender %q: %w", from, err)
	}
	return Message{From: strings.ToLower(addr.Address), Body: Clean(body)}, nil
}

// Parse reads an RFC 5322 message, decodes its first text part and cleans it.
func Parse(r io.Reader) (Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return Message{}, fmt.Errorf("reading message: %w", err)
	}

	addr, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return Message{}, fmt.Errorf("parsing From header: %w", err)
	}

	dec := mime.WordDecoder{CharsetReader: charsetReader}
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	body, err := textBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return Message{}, err
	}

	return Message{
		From:    strings.ToLower(addr.Address),
		Subject: subject,
		Body:    Clean(body),
	}, nil
}

// textBody walks the MIME tree and concatenates the decoded text parts.
// text/plain is preferred over text/html within one multipart/alternative.
func textBody(contentType, encoding string, r io.Reader) (string, error) {
	if contentType == "" {
		contentType = "text/plain; charset=us-ascii"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parsing content type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var plain, html []string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("reading multipart: %w", err)
			}
			ct := part.Header.Get("Content-Type")
			text, err := textBody(ct, part.Header.Get("Content-Transfer-Encoding"), part)
			if errors.Is(err, ErrNoBody) {
				continue
			}
			if err != nil {
				return "", err
			}
			if strings.HasPrefix(strings.ToLower(ct), "text/html") {
				html = append(html, text)
			} else {
				plain = append(plain, text)
			}
		}
		switch {
		case len(plain) > 0 && mediaType == "multipart/alternative":
			return plain[0], nil
		case len(plain) > 0:
			return strings.Join(plain, ""), nil
		case len(html) > 0:
			return html[0], nil
		}
		return "", ErrNoBody
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return "", ErrNoBody
	}

	raw, err := io.ReadAll(transferDecoder(encoding, r))
	if err != nil {
		return "", fmt.Errorf("decoding body: %w", err)
	}
	return decodeCharset(params["charset"], raw)
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

func decodeCharset(charset string, raw []byte) (string, error) {
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs == "" || cs == "utf-8" || cs == "us-ascii" {
		return string(raw), nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return "", fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", charset, err)
	}
	return string(out), nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}
