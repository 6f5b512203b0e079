// SPDX-License-Identifier: AGPL-3.0-or-later

package batch

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/rsendmail/internal/cancel"
	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/failedsink"
	"github.com/btouchard/rsendmail/internal/smtpsession"
	"github.com/btouchard/rsendmail/internal/source"
	"github.com/btouchard/rsendmail/internal/stats"
)

// recordingBackend is a minimal smtp.Backend that counts every MAIL/DATA/
// RSET it receives, and can be told to fail the n-th MAIL FROM with a
// 421 to exercise the mid-batch server-directed-reset testable property
// (spec.md §8, scenario 3).
type recordingBackend struct {
	mu         sync.Mutex
	mailCount  int
	rsetCount  int
	dataCount  int
	failMailOn int // 1-indexed; 0 disables
}

func (b *recordingBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &recordingSession{backend: b}, nil
}

type recordingSession struct {
	backend *recordingBackend

	// afterData is set by Data: the go-smtp server calls Reset itself once
	// every DATA command completes, and that call is not a client RSET.
	afterData bool
}

func (s *recordingSession) Mail(from string, opts *gosmtp.MailOptions) error {
	s.backend.mu.Lock()
	s.backend.mailCount++
	n := s.backend.mailCount
	s.backend.mu.Unlock()

	if s.backend.failMailOn != 0 && n == s.backend.failMailOn {
		return &gosmtp.SMTPError{Code: 421, EnhancedCode: gosmtp.EnhancedCode{4, 0, 0}, Message: "Service not available"}
	}
	return nil
}

func (s *recordingSession) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	s.afterData = true
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.dataCount++
	s.backend.mu.Unlock()
	return nil
}

func (s *recordingSession) Reset() {
	if s.afterData {
		s.afterData = false
		return
	}
	s.backend.mu.Lock()
	s.backend.rsetCount++
	s.backend.mu.Unlock()
}

func (s *recordingSession) Logout() error { return nil }

func startTestServer(t *testing.T, backend *recordingBackend) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := gosmtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return ln.Addr().String()
}

func writeSources(t *testing.T, n int) (string, []source.Source) {
	t.Helper()

	dir := t.TempDir()
	var srcs []source.Source
	names := []string{"a.eml", "b.eml", "c.eml", "d.eml", "e.eml"}
	for i := 0; i < n; i++ {
		name := names[i]
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("Subject: hi\r\n\r\nbody\r\n"), 0o644))
		srcs = append(srcs, source.Source{Path: path, Filename: name})
	}
	return dir, srcs
}

func dialSession(t *testing.T, addr string) *smtpsession.Session {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{
		SMTPServer:   host,
		Port:         port,
		SMTPTimeoutS: 5,
		From:         "sender@example.com",
		To:           "dest@example.com",
	}

	sess, err := smtpsession.Open(context.Background(), cfg)
	require.NoError(t, err)
	return sess
}

func TestRun_BatchOfThree_RSETsBetweenTransactions(t *testing.T) {
	backend := &recordingBackend{}
	addr := startTestServer(t, backend)

	_, srcs := writeSources(t, 3)

	sess := dialSession(t, addr)
	defer sess.Close()

	cfg := &config.Config{From: "sender@example.com", To: "dest@example.com"}
	st := stats.New()
	sink := failedsink.New("", nil)

	result := Run(context.Background(), cfg, sess, srcs, st, sink, nil, cancel.New())

	assert.False(t, result.ConnectionShouldReset)
	assert.Equal(t, 3, st.EmailCount)
	assert.Equal(t, 3, backend.mailCount)
	assert.Equal(t, 3, backend.dataCount)
	assert.Equal(t, 2, backend.rsetCount)
}

func TestRun_MidBatch421_AbortsAndFlagsReset(t *testing.T) {
	backend := &recordingBackend{failMailOn: 2}
	addr := startTestServer(t, backend)

	_, srcs := writeSources(t, 5)

	sess := dialSession(t, addr)
	defer sess.Close()

	cfg := &config.Config{From: "sender@example.com", To: "dest@example.com"}
	st := stats.New()
	sink := failedsink.New("", nil)

	result := Run(context.Background(), cfg, sess, srcs, st, sink, nil, cancel.New())

	assert.True(t, result.ConnectionShouldReset)
	assert.Equal(t, 1, st.EmailCount)
	assert.Equal(t, 1, st.SendErrors)

	foundResetClass := false
	for class := range st.ErrorDetails {
		if strings.Contains(class, "设置发件人失败") && strings.Contains(class, "421") {
			foundResetClass = true
		}
	}
	assert.True(t, foundResetClass, "expected a 设置发件人失败 class mentioning 421, got %v", st.ErrorDetails)
}

func TestRun_NoValidRecipients_RecordsFailureWithoutSendingMailFrom(t *testing.T) {
	backend := &recordingBackend{}
	addr := startTestServer(t, backend)

	_, srcs := writeSources(t, 1)

	sess := dialSession(t, addr)
	defer sess.Close()

	cfg := &config.Config{From: "sender@example.com", To: "   ,  ,"}
	st := stats.New()
	sink := failedsink.New("", nil)

	Run(context.Background(), cfg, sess, srcs, st, sink, nil, cancel.New())

	assert.Equal(t, 0, st.EmailCount)
	assert.Equal(t, 1, st.SendErrors)
	assert.Equal(t, 0, backend.mailCount)
}

func TestRun_CancellationBeforeTransactionSkipsRemainderOfBatch(t *testing.T) {
	backend := &recordingBackend{}
	addr := startTestServer(t, backend)

	_, srcs := writeSources(t, 3)

	sess := dialSession(t, addr)
	defer sess.Close()

	cfg := &config.Config{From: "sender@example.com", To: "dest@example.com"}
	st := stats.New()
	sink := failedsink.New("", nil)

	flag := cancel.New()
	flag.Cancel()

	result := Run(context.Background(), cfg, sess, srcs, st, sink, nil, flag)

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, st.EmailCount)
	assert.Equal(t, 0, backend.mailCount)
}

func TestRun_CancellationDuringInterMessageSleepStopsAfterCurrentTransaction(t *testing.T) {
	backend := &recordingBackend{}
	addr := startTestServer(t, backend)

	_, srcs := writeSources(t, 3)

	sess := dialSession(t, addr)
	defer sess.Close()

	cfg := &config.Config{
		From:                "sender@example.com",
		To:                  "dest@example.com",
		EmailSendIntervalMs: 1000,
	}
	st := stats.New()
	sink := failedsink.New("", nil)
	flag := cancel.New()

	go func() {
		time.Sleep(50 * time.Millisecond)
		flag.Cancel()
	}()

	start := time.Now()
	result := Run(context.Background(), cfg, sess, srcs, st, sink, nil, flag)
	elapsed := time.Since(start)

	// The interruptible sleep re-polls every 100ms, so cancellation 50ms in
	// cuts the 1000ms inter-message pause short instead of blocking the
	// full interval.
	assert.Less(t, elapsed, 900*time.Millisecond)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, st.EmailCount)
}
