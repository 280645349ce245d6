package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HTTPError describes an unusable upstream HTTP response.
type HTTPError struct {
	Op          string
	StatusCode  int
	ContentType string
	// NonJSON marks a response whose body should have been JSON but was not,
	// typically an HTML error page from a gateway or proxy.
	NonJSON    bool
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	if e.NonJSON {
		return fmt.Sprintf("%s: status %d: unexpected content-type %q", e.Op, e.StatusCode, e.ContentType)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// UnexpectedBody reports whether a response carrying body under contentType
// should have been JSON but was not. Empty bodies never count.
func UnexpectedBody(contentType string, body []byte) bool {
	if len(strings.TrimSpace(string(body))) == 0 {
		return false
	}
	return !IsJSONContentType(contentType)
}

// IsJSONContentType accepts application/json and any +json media type.
func IsJSONContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Classify applies the default rules, in priority order:
//  1. HTTP 429 or >= 500, or an unexpected non-JSON body: Transient
//  2. HTTP 4xx: Permanent
//  3. network errors (timeout, connection reset/refused, DNS): Transient
//  4. anything else: Permanent
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500 || he.NonJSON {
			return Transient
		}
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if IsNetworkError(err) {
		return Transient
	}
	return Permanent
}

// ClassifyStore treats lock contention and dropped connections on the store
// as transient; everything else follows Classify.
func ClassifyStore(err error) Class {
	if err == nil {
		return Permanent
	}
	low := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is locked",
		"sqlite_busy",
		"deadlock detected",
		"could not serialize access",
		"bad connection",
	} {
		if strings.Contains(low, s) {
			return Transient
		}
	}
	return Classify(err)
}

// TransientUpTo returns a classifier that treats errors matching target as
// transient for the first n occurrences and permanent afterwards; other
// errors go to base. The returned classifier keeps state and belongs to a
// single Do call.
func TransientUpTo(target error, n int, base Classifier) Classifier {
	seen := 0
	return func(err error) Class {
		if errors.Is(err, target) {
			seen++
			if seen <= n {
				return Transient
			}
			return Permanent
		}
		return base(err)
	}
}

// IsNetworkError reports transport-level failures.
func IsNetworkError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Hint explains the likely cause of a persisting transient error.
func Hint(err error) string {
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.NonJSON:
			return "upstream returned non-JSON content, likely a gateway or proxy error page"
		case he.StatusCode == http.StatusTooManyRequests:
			return "upstream is rate limiting; lower the request rate or raise the quota"
		case he.StatusCode >= 500:
			return "upstream is failing (status " + strconv.Itoa(he.StatusCode) + "); check provider status"
		}
	}
	if IsNetworkError(err) {
		return "network failure reaching upstream; check connectivity and DNS"
	}
	return "transient failure persisted across retries"
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
