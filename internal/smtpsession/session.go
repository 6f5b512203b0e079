// SPDX-License-Identifier: AGPL-3.0-or-later
// Package smtpsession holds one live SMTP connection and exposes the wire
// primitives spec.md §4.5 calls for (MAIL FROM, RCPT TO, DATA, RSET, QUIT,
// NOOP), built on github.com/emersion/go-smtp's client and
// github.com/emersion/go-sasl for AUTH — the exact capability set the
// spec assumes an external SMTP client library provides.
//
// Per the design note in spec.md §9, the Session dispatches over the
// net.Conn interface (which both *net.TCPConn and *tls.Conn satisfy)
// rather than branching the transaction logic on the concrete stream
// type: SetDeadline, Read, and Write are all it needs from the
// underlying socket.
package smtpsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/btouchard/rsendmail/internal/config"
)

// resetSignals are the substrings spec.md §4.6 requires treating as
// server-directed connection resets. go-smtp surfaces a structured
// *smtp.SMTPError with a numeric Code for replies it understands, but not
// for failures raised below the protocol layer (broken pipe, read
// timeout, unparseable reply) — so code is checked first, these
// substrings second, exactly as the original implementation does.
var resetSignals = []string{
	"421",
	"Cannot accept further commands",
	"Broken pipe",
	"Connection reset",
	"Unparseable SMTP reply",
	"timeout",
	"超时",
}

// IsResetSignal reports whether err should mark the owning Session as
// must-reset.
func IsResetSignal(err error) bool {
	if err == nil {
		return false
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code == 421 {
		return true
	}

	msg := err.Error()
	for _, signal := range resetSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

// ErrAuthRequiresTLS is returned by Open when auth_mode is requested
// without a usable TLS posture (spec.md §4.5's auth-mode gating).
var ErrAuthRequiresTLS = errors.New("认证失败: 需要TLS连接")

// Session wraps one live, possibly authenticated, possibly TLS-wrapped
// SMTP connection.
type Session struct {
	client  *smtp.Client
	conn    net.Conn
	timeout time.Duration
}

// Open dials the configured server, negotiates TLS per the port/use_tls
// posture, and authenticates when requested. It never returns a partially
// open Session: on any failure the underlying socket is closed before the
// error is returned.
func Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	if cfg.AuthMode && !cfg.RequiresTLS() {
		return nil, ErrAuthRequiresTLS
	}

	timeout := time.Duration(cfg.SMTPTimeoutS) * time.Second
	addr := fmt.Sprintf("%s:%d", cfg.SMTPServer, cfg.Port)

	tlsConfig := &tls.Config{
		ServerName:         cfg.SMTPServer,
		InsecureSkipVerify: cfg.AcceptInvalidCerts,
	}

	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if cfg.ImplicitTLS() {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("SMTP连接超时: %w", err)
		}
		return nil, fmt.Errorf("SMTP连接失败: %w", err)
	}

	s := &Session{conn: conn, timeout: timeout}
	s.setDeadline()

	client, err := smtp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMTP连接失败: %w", err)
	}
	s.client = client

	if err := client.Hello("localhost"); err != nil {
		s.closeQuiet()
		return nil, fmt.Errorf("SMTP连接失败: %w", err)
	}

	if cfg.UseTLS && !cfg.ImplicitTLS() {
		s.setDeadline()
		if err := client.StartTLS(tlsConfig); err != nil {
			s.closeQuiet()
			return nil, fmt.Errorf("SMTP连接失败: %w", err)
		}
	}

	if cfg.AuthMode {
		if cfg.Username == "" || cfg.Password == "" {
			s.closeQuiet()
			return nil, errors.New("认证失败: 缺少用户名或密码")
		}
		s.setDeadline()
		authClient := sasl.NewPlainClient("", cfg.Username, cfg.Password)
		if err := client.Auth(authClient); err != nil {
			s.closeQuiet()
			return nil, fmt.Errorf("SMTP认证失败: %w", err)
		}
	}

	return s, nil
}

func (s *Session) setDeadline() {
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Mail issues MAIL FROM.
func (s *Session) Mail(from string) error {
	s.setDeadline()
	return s.client.Mail(from, nil)
}

// Rcpt issues RCPT TO for a single recipient.
func (s *Session) Rcpt(to string) error {
	s.setDeadline()
	return s.client.Rcpt(to, nil)
}

// Data issues DATA and writes the full message body. A transaction counts
// as delivered only once this returns nil (the server has 2xx'd the
// data), per spec.md §4.5.
func (s *Session) Data(content []byte) error {
	s.setDeadline()
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Reset issues RSET.
func (s *Session) Reset() error {
	s.setDeadline()
	return s.client.Reset()
}

// Noop issues NOOP, used by the standalone connection probe.
func (s *Session) Noop() error {
	s.setDeadline()
	return s.client.Noop()
}

// Close attempts a graceful QUIT, then tears down the socket regardless of
// whether QUIT succeeded — spec.md §4.5: "errors are logged but not
// surfaced".
func (s *Session) Close() {
	s.setDeadline()
	_ = s.client.Quit()
	s.closeQuiet()
}

// Probe opens a Session, issues NOOP, and closes it again — the
// standalone connectivity check exposed to a front-end (spec.md §6)
// without running a full send.
func Probe(ctx context.Context, cfg *config.Config) error {
	sess, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Noop()
}

func (s *Session) closeQuiet() {
	if s.client != nil {
		_ = s.client.Close()
		return
	}
	_ = s.conn.Close()
}
