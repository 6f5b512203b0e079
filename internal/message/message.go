// SPDX-License-Identifier: AGPL-3.0-or-later
// Package message synthesises wire-ready message bytes from a source
// (spec.md §4.4). It implements the three header policies — keep_headers,
// modify_headers, and the (behaviourally identical to keep_headers)
// default — plus the two attachment-wrapping modes.
//
// Fresh-message construction uses github.com/go-mail/mail/v2's Message
// builder, the same library the teacher project's email.SMTPSender uses
// to assemble outgoing mail. Parsing a source file for modify_headers
// uses github.com/emersion/go-message/mail, which pairs naturally with
// the go-smtp-based internal/smtpsession transport. Attachment
// content-type sniffing uses github.com/gabriel-vasile/mimetype.
package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	emmail "github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"
	gomail "github.com/go-mail/mail/v2"

	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/source"
)

const (
	defaultSubjectPrefix = "附件: "
	defaultTextPrefix    = "请查收附件: "
	defaultMimeType      = "application/octet-stream"
)

// BuildEml produces the wire bytes for an EmlBatch-mode source given its
// (already anonymised, if applicable) content. keep_headers and the
// default mode are intentionally identical — spec.md §9's first Open
// Question — both return content verbatim. modify_headers parses content
// and rebuilds a fresh message with config.From/config.To.
func BuildEml(cfg *config.Config, content []byte) ([]byte, error) {
	if !cfg.ModifyHeaders {
		return content, nil
	}
	return buildModified(cfg, content)
}

func buildModified(cfg *config.Config, content []byte) ([]byte, error) {
	r, err := emmail.CreateReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("无法解析邮件文件: %w", err)
	}
	defer r.Close()

	subject, _ := r.Header.Subject()

	var textBody, htmlBody string
	haveText, haveHTML := false, false

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("无法解析邮件文件: %w", err)
		}

		inline, ok := part.Header.(*emmail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("无法解析邮件文件: %w", err)
		}

		switch {
		case strings.HasPrefix(ct, "text/html") && !haveHTML:
			htmlBody = string(body)
			haveHTML = true
		case !haveText:
			textBody = string(body)
			haveText = true
		}
	}

	return buildMIME(cfg.From, cfg.Recipients(), subject, textBody, htmlBody, nil)
}

// BuildAttachment produces wire bytes for the two attachment modes,
// wrapping content as a single attachment on a template-driven message.
// It returns the rendered subject alongside the bytes purely for callers
// that want it for logging.
func BuildAttachment(cfg *config.Config, src source.Source, content []byte) ([]byte, string, error) {
	filename := src.Filename

	subject := renderTemplate(cfg.SubjectTemplate, filename, defaultSubjectPrefix+filename)
	textBody := renderTemplate(cfg.TextTemplate, filename, defaultTextPrefix+filename)

	var htmlBody string
	if cfg.HTMLTemplate != "" {
		htmlBody = renderTemplate(cfg.HTMLTemplate, filename, "")
	}

	mimeType := defaultMimeType
	if kind := mimetype.Detect(content); kind != nil {
		mimeType = kind.String()
	}

	att := &attachment{filename: filename, data: content, mimeType: mimeType}
	data, err := buildMIME(cfg.From, cfg.Recipients(), subject, textBody, htmlBody, att)
	return data, subject, err
}

func renderTemplate(template, filename, fallback string) string {
	if template == "" {
		return fallback
	}
	return strings.ReplaceAll(template, "{filename}", filename)
}

type attachment struct {
	filename string
	data     []byte
	mimeType string
}

func buildMIME(from string, to []string, subject, textBody, htmlBody string, att *attachment) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)

	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	if att != nil {
		m.Attach(att.filename,
			gomail.SetHeader(map[string][]string{"Content-Type": {att.mimeType}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(att.data)
				return err
			}),
		)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("生成邮件内容失败: %w", err)
	}
	return buf.Bytes(), nil
}
