package logger

import (
	"io"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// secretFields name the config keys, JSON fields and headers whose values
// never reach a log sink.
var secretFields = []string{
	"api_key",
	"admin_secret",
	"x-mnemosync-secret",
	"private_seed",
	"private_key",
	"seed",
	"password",
	"secret",
}

// minLiteralLen keeps short configured values from blanking common words.
const minLiteralLen = 4

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs secrets from log output. Field rules keep the field name
// and replace only its value, so a redacted line still says what was there.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for API keys, bearer tokens, admin secrets
// and Ed25519 seeds. literals are exact values to scrub wherever they
// appear, typically the configured admin secret and provider key.
func NewRedactor(literals ...string) *Redactor {
	fields := make([]string, len(secretFields))
	for i, f := range secretFields {
		fields[i] = regexp.QuoteMeta(f)
	}

	r := &Redactor{
		rules: []rule{
			{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer " + redacted},
			// field=value, field: value and "field":"value"
			{regexp.MustCompile(`(?i)(\b(?:` + strings.Join(fields, "|") + `)"?\s*[:=]\s*"?)[^\s",}]+`), "${1}" + redacted},
		},
	}
	for _, l := range literals {
		r.AddLiteral(l)
	}
	return r
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// AddLiteral redacts an exact value. Values shorter than four bytes are
// ignored.
func (r *Redactor) AddLiteral(value string) {
	if len(value) < minLiteralLen {
		return
	}
	r.rules = append(r.rules, rule{re: regexp.MustCompile(regexp.QuoteMeta(value)), repl: redacted})
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not see a short write
// when redaction changes the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
