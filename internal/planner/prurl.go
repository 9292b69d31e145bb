package planner

import (
	"fmt"
	"regexp"
	"strconv"
)

var prURLRe = regexp.MustCompile(`^https?://[^/]+/([\w.-]+)/([\w.-]+)/pull/(\d+)`)

// ParsePullRequestURL extracts the "owner/name" repository ID and PR number
// from a pull request web URL.
func ParsePullRequestURL(url string) (repoID string, number int, err error) {
	m := prURLRe.FindStringSubmatch(url)
	if m == nil {
		return "", 0, fmt.Errorf("unrecognized pull request URL: %s", url)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return "", 0, fmt.Errorf("unrecognized pull request URL: %s", url)
	}
	return m[1] + "/" + m[2], n, nil
}
