// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access log. It never logs
// bodies. Credential headers and query parameters are masked outright and
// email addresses are scrubbed from whatever remains.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// RedactOptions lists extra names to mask. Matching is case-insensitive.
// Authorization, Cookie and Set-Cookie headers are always masked.
type RedactOptions struct {
	MaskHeaders     []string
	MaskQueryParams []string
}

const redacted = "[REDACTED]"

var emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)

func redactEmails(s string) string { return emailRE.ReplaceAllString(s, "[REDACTED:email]") }

func lowerSet(base []string, extra []string) map[string]struct{} {
	m := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, s := range list {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				m[s] = struct{}{}
			}
		}
	}
	return m
}

// redactQuery masks the values of the named parameters. An unparseable query
// is dropped rather than logged raw.
func redactQuery(raw string, mask map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	for k := range vals {
		if _, ok := mask[strings.ToLower(k)]; ok {
			vals[k] = []string{redacted}
		}
	}
	return redactEmails(vals.Encode())
}

// RedactingLogger logs one line per request through the request-scoped
// logger (see ContextLogger): info for 2xx/3xx, warn for 4xx, error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie"}, opts.MaskHeaders)
	maskQuery := lowerSet(nil, opts.MaskQueryParams)

	return func(c *gin.Context) {
		start := time.Now()
		query := redactQuery(c.Request.URL.RawQuery, maskQuery)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				headers[k] = redacted
				continue
			}
			headers[k] = redactEmails(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		lg := LoggerFrom(c)
		ev := lg.Info()
		switch {
		case status >= 500:
			ev = lg.Error()
		case status >= 400:
			ev = lg.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
