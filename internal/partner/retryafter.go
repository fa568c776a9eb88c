package partner

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfterSeconds applies when a 429 response says nothing usable
// about when to retry.
const DefaultRetryAfterSeconds = 60

var retryInPattern = regexp.MustCompile(`(?i)retry in (\d+) seconds`)

// problemDetail is the subset of the partner's problem document that carries
// human readable text.
type problemDetail struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// retryAfterSeconds reads the Retry-After header (delta seconds or an HTTP
// date), then the problem document text, and falls back to the default.
func retryAfterSeconds(header http.Header, body []byte, now time.Time) int {
	if value := strings.TrimSpace(header.Get("Retry-After")); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
			return secs
		}

		if at, err := http.ParseTime(value); err == nil {
			remaining := at.Sub(now)
			if remaining <= 0 {
				return 0
			}
			return int((remaining + time.Second - 1) / time.Second)
		}
	}

	var problem problemDetail
	if json.Unmarshal(body, &problem) == nil {
		for _, text := range []string{problem.Detail, problem.Message, problem.Title} {
			match := retryInPattern.FindStringSubmatch(text)
			if match == nil {
				continue
			}
			if secs, err := strconv.Atoi(match[1]); err == nil {
				return secs
			}
		}
	}

	return DefaultRetryAfterSeconds
}
