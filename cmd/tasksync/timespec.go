package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseTimeSpec accepts UNIX seconds, RFC 3339, a duration meaning "that long
// ago" ("36h") or natural language ("yesterday", "3 days ago").
func parseTimeSpec(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d).Unix(), nil
	}

	r, err := timeParser.Parse(s, now)
	if err != nil {
		return 0, fmt.Errorf("parsing time %q: %w", s, err)
	}
	if r == nil {
		return 0, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time.Unix(), nil
}
