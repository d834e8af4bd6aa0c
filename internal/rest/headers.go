package rest

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Rate-limit response headers.
const (
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderRateLimitResetAfter = "X-RateLimit-Reset-After"
	HeaderRateLimitBucket     = "X-RateLimit-Bucket"
	HeaderRateLimitGlobal     = "X-RateLimit-Global"
	HeaderRateLimitScope      = "X-RateLimit-Scope"
	HeaderRetryAfter          = "Retry-After"
	HeaderAuditLogReason      = "X-Audit-Log-Reason"
)

// rateLimitHeaders is the parsed rate-limit state of one response.
type rateLimitHeaders struct {
	limit        int
	hasLimit     bool
	remaining    int
	hasRemaining bool

	// reset is the server timestamp at which the bucket refills.
	reset time.Time

	// retryAfter is negative when the response carried no relative reset.
	retryAfter time.Duration

	global bool
	bucket string
	scope  string
	date   time.Time
}

func parseRateLimitHeaders(h http.Header) rateLimitHeaders {
	rl := rateLimitHeaders{retryAfter: -1}

	if v := h.Get(HeaderRateLimitLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.limit, rl.hasLimit = n, true
		}
	}
	if v := h.Get(HeaderRateLimitRemaining); v != "" {
		rl.hasRemaining = true
		if n, err := strconv.Atoi(v); err == nil {
			rl.remaining = n
		}
	}
	if v := h.Get(HeaderRateLimitReset); v != "" {
		if secs, ok := parseSeconds(v); ok {
			rl.reset = time.UnixMilli(int64(math.Round(secs * 1000)))
		}
	}

	after := h.Get(HeaderRateLimitResetAfter)
	if after == "" {
		after = h.Get(HeaderRetryAfter)
	}
	if after != "" {
		if secs, ok := parseSeconds(after); ok && secs >= 0 {
			rl.retryAfter = time.Duration(secs * float64(time.Second))
		}
	}

	rl.global = h.Get(HeaderRateLimitGlobal) != ""
	rl.bucket = h.Get(HeaderRateLimitBucket)
	rl.scope = h.Get(HeaderRateLimitScope)

	if v := h.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			rl.date = t
		}
	}

	return rl
}

func parseSeconds(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// rateLimitBody is the JSON body of a 429 response.
type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// apiError is the JSON body of a failed request.
type apiError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
}

// decodeAPIError builds the flattened message for an error response. Field
// errors are appended one per line as "path.to.field: message".
func decodeAPIError(body []byte) (code int, message string) {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return 0, strings.TrimSpace(string(body))
	}

	message = e.Message
	if len(e.Errors) > 0 {
		var tree map[string]any
		if err := json.Unmarshal(e.Errors, &tree); err == nil {
			if fields := flattenErrors(tree, ""); len(fields) > 0 {
				message += "\n  " + strings.Join(fields, "\n  ")
			}
		}
	}
	return e.Code, message
}

// flattenErrors walks a nested error tree. Keys are visited in sorted order.
func flattenErrors(tree map[string]any, prefix string) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		if k == "message" || k == "code" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var messages []string
	for _, k := range keys {
		switch v := tree[k].(type) {
		case map[string]any:
			if list, ok := v["_errors"].([]any); ok {
				for _, item := range list {
					if obj, ok := item.(map[string]any); ok {
						msg, _ := obj["message"].(string)
						messages = append(messages, prefix+k+": "+msg)
					}
				}
				continue
			}
			messages = append(messages, flattenErrors(v, prefix+k+".")...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					messages = append(messages, prefix+k+": "+s)
				}
			}
		}
	}
	return messages
}
