package log

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

const redacted = "[redacted]"

var defaultRedactKeys = []string{"passphrase", "signature", "hmac", "authorization"}

// redactHandler blanks secret-bearing attributes and strips the hmac query
// parameter from signed bundle server URLs.
type redactHandler struct {
	next slog.Handler
	keys map[string]struct{}
}

func newRedactHandler(next slog.Handler, extra []string) redactHandler {
	keys := make(map[string]struct{}, len(defaultRedactKeys)+len(extra))
	for _, k := range append(append([]string{}, defaultRedactKeys...), extra...) {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return redactHandler{next: next, keys: keys}
}

func (h redactHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redact(a)
	}
	return redactHandler{next: h.next.WithAttrs(clean), keys: h.keys}
}

func (h redactHandler) WithGroup(name string) slog.Handler {
	return redactHandler{next: h.next.WithGroup(name), keys: h.keys}
}

func (h redactHandler) redact(a slog.Attr) slog.Attr {
	if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, ga := range group {
			clean[i] = h.redact(ga)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindString:
		if s := v.String(); strings.Contains(s, "hmac=") {
			return slog.String(a.Key, redactURL(s))
		}
	}
	return a
}

// redactURL replaces the hmac query value of a signed URL. Strings that do
// not parse are blanked entirely.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	q := u.Query()
	if q.Has("hmac") {
		q.Set("hmac", redacted)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
