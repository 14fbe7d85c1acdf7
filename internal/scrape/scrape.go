package scrape

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"
)

var (
	// ErrNoMatch is returned when the stream ends before a line matches.
	ErrNoMatch = errors.New("stream ended without a match")
	// ErrTimeout is returned when no line matches within the read window.
	ErrTimeout = errors.New("timed out waiting for a match")
)

const maxLineBytes = 1024 * 1024

// Matcher extracts a value from a single log line.
type Matcher interface {
	Match(line string) (string, bool)
}

// RegexpMatcher returns the first capture group when the pattern has one,
// otherwise the whole match.
type RegexpMatcher struct {
	re *regexp.Regexp
}

func NewRegexpMatcher(pattern string) (*RegexpMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return &RegexpMatcher{re: re}, nil
}

func (m *RegexpMatcher) Match(line string) (string, bool) {
	sub := m.re.FindStringSubmatch(line)
	if sub == nil {
		return "", false
	}
	if len(sub) > 1 && sub[1] != "" {
		return sub[1], true
	}
	return sub[0], true
}

// Await reads r line by line until m matches, the stream ends, ctx is done or
// timeout elapses. Reading continues in the background after Await returns so
// the writer never blocks on a full pipe; the caller owns closing r.
func Await(ctx context.Context, r io.Reader, m Matcher, timeout time.Duration, source string) (string, error) {
	found := make(chan string, 1)
	ended := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		matched := false
		for scanner.Scan() {
			line := scanner.Text()
			slog.Debug("Log line", "component", "scrape", "source", source, "line", line)
			if matched {
				continue
			}
			if value, ok := m.Match(line); ok {
				matched = true
				found <- value
			}
		}
		if !matched {
			ended <- scanner.Err()
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-found:
		return value, nil
	case err := <-ended:
		if err != nil {
			return "", fmt.Errorf("read %s output: %w", source, err)
		}
		return "", fmt.Errorf("%s: %w", source, ErrNoMatch)
	case <-timer.C:
		return "", fmt.Errorf("%s after %s: %w", source, timeout, ErrTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
