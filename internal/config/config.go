// SPDX-License-Identifier: AGPL-3.0-or-later
// Package config loads and validates the sending engine's configuration,
// shaped after the teacher project's internal/infrastructure/config
// (typed struct + free Load/Validate functions) but sourced from a YAML
// file via gopkg.in/yaml.v3 instead of environment variables; the
// cmd/rsendmail front-end passes the file path to Load.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects which source-enumeration and message-building strategy the
// engine uses for a run.
type Mode int

const (
	ModeEmlBatch Mode = iota
	ModeSingleAttachment
	ModeAttachmentDir
)

func (m Mode) String() string {
	switch m {
	case ModeEmlBatch:
		return "eml_batch"
	case ModeSingleAttachment:
		return "single_attachment"
	case ModeAttachmentDir:
		return "attachment_dir"
	default:
		return "unknown"
	}
}

// Config is the immutable run configuration. It is cloned by value into
// every worker (Go structs of only value fields and slices copy cheaply
// and workers never write back into it).
type Config struct {
	SMTPServer         string `yaml:"smtp_server"`
	Port               int    `yaml:"port"`
	SMTPTimeoutS       int    `yaml:"smtp_timeout_s"`
	UseTLS             bool   `yaml:"use_tls"`
	AcceptInvalidCerts bool   `yaml:"accept_invalid_certs"`

	AuthMode bool   `yaml:"auth_mode"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	From string `yaml:"from"`
	To   string `yaml:"to"`

	Dir           string `yaml:"dir"`
	Extension     string `yaml:"extension"`
	Attachment    string `yaml:"attachment"`
	AttachmentDir string `yaml:"attachment_dir"`

	Processes string `yaml:"processes"`
	BatchSize int    `yaml:"batch_size"`

	KeepHeaders     bool `yaml:"keep_headers"`
	ModifyHeaders   bool `yaml:"modify_headers"`
	AnonymizeEmails bool `yaml:"anonymize_emails"`

	AnonymizeDomain string `yaml:"anonymize_domain"`

	EmailSendIntervalMs int64 `yaml:"email_send_interval_ms"`

	Loop           bool  `yaml:"loop"`
	Repeat         int   `yaml:"repeat"`
	LoopIntervalS  int64 `yaml:"loop_interval_s"`
	RetryIntervalS int64 `yaml:"retry_interval_s"`

	SubjectTemplate string `yaml:"subject_template"`
	TextTemplate    string `yaml:"text_template"`
	HTMLTemplate    string `yaml:"html_template"`

	FailedEmailsDir string `yaml:"failed_emails_dir"`
	LogFile         string `yaml:"log_file"`
	LogLevel        string `yaml:"log_level"`
}

// Default returns a Config pre-populated with the same defaults as the
// original implementation (rsendmail-core's config.rs default functions).
func Default() Config {
	return Config{
		Port:            25,
		SMTPTimeoutS:    30,
		Extension:       "eml",
		Processes:       "auto",
		BatchSize:       1,
		AnonymizeDomain: "example.com",
		Repeat:          1,
		LoopIntervalS:   1,
		RetryIntervalS:  5,
		LogLevel:        "info",
	}
}

// Load reads a YAML file at path into a Config seeded with Default(), then
// validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces spec.md §3's mutual-exclusion and required-field
// rules. It does not attempt to validate SMTP reachability — that is the
// Session's job at Open time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SMTPServer) == "" {
		return fmt.Errorf("smtp_server is required")
	}
	if strings.TrimSpace(c.From) == "" {
		return fmt.Errorf("from is required")
	}

	set := 0
	if c.Dir != "" {
		set++
	}
	if c.Attachment != "" {
		set++
	}
	if c.AttachmentDir != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of dir, attachment, attachment_dir must be set (got %d)", set)
	}

	if c.AuthMode {
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("auth_mode requires both username and password")
		}
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}

	return nil
}

// Mode derives the run mode from which source field is populated. Callers
// must have already run Validate, which guarantees exactly one is set.
func (c *Config) Mode() Mode {
	switch {
	case c.AttachmentDir != "":
		return ModeAttachmentDir
	case c.Attachment != "":
		return ModeSingleAttachment
	default:
		return ModeEmlBatch
	}
}

// Recipients splits, trims, and filters the comma-separated To field,
// preserving order (spec.md §6 "Recipient syntax").
func (c *Config) Recipients() []string {
	return SplitRecipients(c.To)
}

// SplitRecipients applies the recipient-list parsing rule on an arbitrary
// string, used both for the envelope config.to and for header values built
// from it.
func SplitRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NumWorkers resolves the "auto" | fixed-integer processes field. An
// unparseable or non-positive value silently falls back to auto, matching
// rsendmail-core's process_mode().
func (c *Config) NumWorkers() int {
	if c.Processes == "auto" {
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.Processes))
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// ImplicitTLS reports whether the configured port implies TLS-on-connect
// (SMTPS, historically port 465) rather than STARTTLS negotiation.
func (c *Config) ImplicitTLS() bool {
	return c.Port == 465
}

// RequiresTLS reports whether any TLS handshake (implicit or STARTTLS)
// should be attempted for this run.
func (c *Config) RequiresTLS() bool {
	return c.UseTLS || c.ImplicitTLS()
}
