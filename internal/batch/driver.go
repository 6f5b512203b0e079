// SPDX-License-Identifier: AGPL-3.0-or-later
// Package batch implements the per-session transaction loop (spec.md
// §4.6): for one open Session and one batch of sources, run one SMTP
// transaction per source, RSET between transactions, and classify every
// failure into the spec's stable error-class identifiers. Grounded on the
// teacher's internal/infrastructure/email.SMTPSender.Send, which drives
// one message through a dial/auth/send/close sequence and records a
// sent/failed outcome — generalised here to a multi-transaction, single
// connection per-batch loop and a richer failure taxonomy.
package batch

import (
	"context"
	"os"
	"time"

	"github.com/btouchard/rsendmail/internal/anonymizer"
	"github.com/btouchard/rsendmail/internal/cancel"
	"github.com/btouchard/rsendmail/internal/config"
	"github.com/btouchard/rsendmail/internal/failedsink"
	"github.com/btouchard/rsendmail/internal/message"
	"github.com/btouchard/rsendmail/internal/smtpsession"
	"github.com/btouchard/rsendmail/internal/source"
	"github.com/btouchard/rsendmail/internal/stats"
)

// Result reports what happened while draining a Batch over one Session.
type Result struct {
	// ConnectionShouldReset is set once any step reports a server-directed
	// reset signal; the Worker must discard the Session in that case.
	ConnectionShouldReset bool

	// Processed is how many leading sources of the batch were attempted
	// (successfully or not) before Run returned. When ConnectionShouldReset
	// is set, Processed includes the source whose step raised the signal;
	// any sources after it are left unattempted, and the Worker must carry
	// batch[Processed:] forward into a fresh batch on a new Session,
	// per spec.md §8 scenario 3 ("remaining sources attempted" after a
	// mid-batch 421).
	Processed int
}

// Run drives one transaction per source in batch over sess, issuing RSET
// between consecutive transactions, recording every outcome into st, and
// persisting failed sources to sink. cancelFlag is polled at the top of
// every transaction — spec.md §5: "every worker polls it at the top of
// each transaction… on cancellation… subsequent transactions are
// skipped" — so a cancellation raised mid-batch leaves the unattempted
// tail in Processed for the Worker to carry forward, the same as a
// server-directed reset (original_source/rsendmail/src/mailer.rs:126-129
// breaks at the top of its per-file loop on the same signal).
func Run(ctx context.Context, cfg *config.Config, sess *smtpsession.Session, batch []source.Source, st *stats.Stats, sink *failedsink.Sink, anon *anonymizer.Anonymizer, cancelFlag *cancel.Flag) Result {
	var result Result

	for i, src := range batch {
		if cancelFlag.Cancelled() {
			result.Processed = i
			return result
		}

		last := i == len(batch)-1

		if runOne(cfg, sess, src, st, sink, anon) {
			result.ConnectionShouldReset = true
			result.Processed = i + 1
			return result
		}

		if !last && !cancelFlag.Cancelled() {
			if err := sess.Reset(); err != nil {
				st.RecordFailure("RSET失败: "+err.Error(), src.Path, false)
				result.Processed = i + 1
				if smtpsession.IsResetSignal(err) {
					result.ConnectionShouldReset = true
				}
				return result
			}
		}

		if cfg.EmailSendIntervalMs > 0 && !last {
			if cancelFlag.Sleep(ctx, time.Duration(cfg.EmailSendIntervalMs)*time.Millisecond) {
				result.Processed = i + 1
				return result
			}
		}

		result.Processed = i + 1
	}

	return result
}

// runOne executes steps 1-10 of spec.md §4.6 for a single source. It
// returns true when the failure it recorded (if any) is a server-directed
// connection reset.
func runOne(cfg *config.Config, sess *smtpsession.Session, src source.Source, st *stats.Stats, sink *failedsink.Sink, anon *anonymizer.Anonymizer) bool {
	parseStart := time.Now()

	raw, err := os.ReadFile(src.Path)
	if err != nil {
		st.RecordFailure("读取文件失败: "+err.Error(), src.Path, true)
		return false
	}

	// The failed-email sink always receives the bytes as read from disk,
	// not the anonymised copy.
	original := raw
	if anon != nil {
		raw = anon.AnonymizeBytes(raw)
	}

	wire, err := buildWire(cfg, src, raw)
	if err != nil {
		st.RecordFailure("无法解析邮件文件: "+err.Error(), src.Path, true)
		sink.Save(src.Path, original)
		return false
	}

	parseDuration := time.Since(parseStart)

	recipients := cfg.Recipients()
	if len(recipients) == 0 {
		st.RecordFailure("没有有效的收件人地址", src.Path, false)
		sink.Save(src.Path, original)
		return false
	}

	sendStart := time.Now()

	if err := sess.Mail(cfg.From); err != nil {
		st.RecordFailure("设置发件人失败: "+err.Error(), src.Path, false)
		sink.Save(src.Path, original)
		return smtpsession.IsResetSignal(err)
	}

	accepted := make([]string, 0, len(recipients))
	var lastRcptErr error
	for _, to := range recipients {
		if err := sess.Rcpt(to); err != nil {
			st.RecordFailure("设置收件人 "+to+" 失败: "+err.Error(), src.Path, false)
			lastRcptErr = err
			continue
		}
		accepted = append(accepted, to)
	}

	if len(accepted) == 0 {
		st.RecordFailure("所有收件人均设置失败", src.Path, false)
		sink.Save(src.Path, original)
		return lastRcptErr != nil && smtpsession.IsResetSignal(lastRcptErr)
	}

	if err := sess.Data(wire); err != nil {
		class := "邮件发送失败: " + err.Error()
		if isTimeoutErr(err) {
			class = "邮件发送超时"
		}
		st.RecordFailure(class, src.Path, false)
		sink.Save(src.Path, original)
		return smtpsession.IsResetSignal(err)
	}

	sendDuration := time.Since(sendStart)
	st.RecordSuccess(parseDuration, sendDuration)
	return false
}

// buildWire assembles the wire-ready bytes per spec.md §4.4, branching on
// the run mode the same way internal/source.Enumerate did when it
// produced src.
func buildWire(cfg *config.Config, src source.Source, content []byte) ([]byte, error) {
	if cfg.Mode() == config.ModeEmlBatch {
		return message.BuildEml(cfg, content)
	}
	wire, _, err := message.BuildAttachment(cfg, src, content)
	return wire, err
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
