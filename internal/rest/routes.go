package rest

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Epoch is the platform's snowflake epoch in milliseconds.
const Epoch = 1420070400000

const (
	// bulkDeleteAge is the age past which message deletes use a separate bucket.
	bulkDeleteAge = 14 * 24 * time.Hour

	// freshMessageAge is the age under which message deletes use a separate bucket.
	freshMessageAge = 10 * time.Second
)

var (
	reactionEmoji   = regexp.MustCompile(`/reactions/[^/]+`)
	reactionUser    = regexp.MustCompile(`/reactions/:id/[^/]+`)
	webhookToken    = regexp.MustCompile(`^/webhooks/([0-9]+)/[A-Za-z0-9_-]{64,}`)
	guildChannelsRe = regexp.MustCompile(`^/guilds/[0-9]+/channels$`)
)

// majorParameters keep their ids in route keys because the platform buckets
// them separately.
var majorParameters = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// SnowflakeTime returns the creation time encoded in a snowflake id.
func SnowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(n>>22) + Epoch), true
}

// RouteKey returns the rate-limit bucket key for a request. Ids of major
// parameters are kept, other numeric ids collapse to ":id" so structurally
// identical endpoints share a bucket. now is the server-corrected time used
// to classify message deletes by age.
func RouteKey(method, path string, now time.Time) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	route := collapseIDs(path)
	route = reactionEmoji.ReplaceAllString(route, "/reactions/:id")
	route = reactionUser.ReplaceAllString(route, "/reactions/:id/:userID")
	route = webhookToken.ReplaceAllString(route, "/webhooks/${1}/:token")

	switch {
	case method == http.MethodDelete && strings.HasSuffix(route, "/messages/:id"):
		prefix := method
		id := path[strings.LastIndexByte(path, '/')+1:]
		if created, ok := SnowflakeTime(id); ok {
			age := now.Sub(created)
			if age >= bulkDeleteAge {
				prefix += "_OLD"
			} else if age <= freshMessageAge {
				prefix += "_NEW"
			}
		}
		route = prefix + route
	case method == http.MethodGet && guildChannelsRe.MatchString(route):
		route = "/guilds/:id/channels"
	}

	if method == http.MethodPut || method == http.MethodDelete {
		if i := strings.Index(route, "/reactions"); i >= 0 {
			route = "MODIFY" + route[:i] + "/reactions/:id"
		}
	}

	return route
}

// collapseIDs replaces numeric segments that follow a minor resource name
// with ":id".
func collapseIDs(path string) string {
	segments := strings.Split(path, "/")
	for i := 1; i < len(segments); i++ {
		name := segments[i-1]
		if name == "" || majorParameters[name] || !isNumeric(segments[i]) || isNumeric(name) {
			continue
		}
		segments[i] = ":id"
	}
	return strings.Join(segments, "/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// isReactionRoute reports whether the route touches reactions, whose resets
// the server rounds up to a whole second.
func isReactionRoute(route string) bool {
	return strings.Contains(route, "/reactions")
}
