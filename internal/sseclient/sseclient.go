// Package sseclient consumes the assist draft stream with automatic
// reconnection. It captures resume tokens as they arrive and, on retryable
// failures, resumes the stream where it left off instead of restarting the
// draft.
package sseclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxRetries is how many reconnect attempts follow the initial
// connection before giving up.
const DefaultMaxRetries = 3

// backoffSchedule is the static delay table indexed by attempt, capped at the
// last entry. A server-supplied retry_after_seconds overrides it.
var backoffSchedule = []time.Duration{
	1500 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
}

// Event is one non-heartbeat stream event.
type Event struct {
	Type string
	Seq  int
	Data json.RawMessage
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	if e.Type == "complete" || e.Type == "error" {
		return true
	}
	if e.Type != "stage" {
		return false
	}
	var d struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return false
	}
	return d.Stage == "COMPLETE"
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// MaxRetries bounds reconnect attempts; zero means DefaultMaxRetries.
	MaxRetries int
	// PreferLive resumes with ?mode=live instead of replay-only.
	PreferLive bool
}

// Client opens auto-reconnecting draft streams.
type Client struct {
	cfg   Config
	http  *http.Client
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		cfg:  cfg,
		http: hc,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// retryableError is a connection failure the streamer may recover from.
type retryableError struct {
	msg        string
	retryAfter time.Duration // zero when the server gave no hint
	dropToken  bool          // 401/426: the resume token is dead
}

func (e *retryableError) Error() string { return e.msg }

// Streamer is a pull iterator over one logical draft stream. Next blocks for
// the next event; it returns io.EOF after the terminal event. Close releases
// the current connection and is safe on every exit path.
type Streamer struct {
	client *Client
	ctx    context.Context
	brief  string

	body   io.ReadCloser
	reader *bufio.Reader
	// viaResume marks the current connection as a resume; resumedReplay
	// narrows it to replay-only, which ends with a heartbeat instead of a
	// terminal event when the stream is still running.
	viaResume     bool
	resumedReplay bool

	token    string
	attempts int
	lastErr  error

	terminal bool
	replayed int
	total    int
}

// OpenStream starts a draft stream for the brief. No connection is made until
// the first Next call.
func (c *Client) OpenStream(ctx context.Context, brief string) *Streamer {
	return &Streamer{client: c, ctx: ctx, brief: brief}
}

// Token returns the most recent resume token, if any.
func (s *Streamer) Token() string { return s.token }

// ReplayedCount is the number of non-heartbeat events received over resume
// connections.
func (s *Streamer) ReplayedCount() int { return s.replayed }

// TotalEvents is the number of non-heartbeat events received so far.
func (s *Streamer) TotalEvents() int { return s.total }

// Close tears down the current connection.
func (s *Streamer) Close() error {
	if s.body != nil {
		err := s.body.Close()
		s.body = nil
		s.reader = nil
		return err
	}
	return nil
}

// Next returns the next event. io.EOF signals normal completion; a context
// error signals abort; any other error means retries were exhausted. The
// connection is closed before any error return.
func (s *Streamer) Next() (Event, error) {
	for {
		if s.terminal {
			s.Close()
			return Event{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			// Abort: terminate immediately, never retry.
			s.Close()
			return Event{}, err
		}

		if s.reader == nil {
			if err := s.connect(); err != nil {
				s.Close()
				return Event{}, err
			}
			continue
		}

		ev, err := s.readFrame()
		if err != nil {
			wasReplay := s.resumedReplay
			s.Close()
			if wasReplay && err == io.EOF {
				// A replay-only resume that ended without a terminal event:
				// the stream is still running server-side, but replay cannot
				// follow it. Fall back to a fresh stream.
				s.token = ""
			}
			if rerr := s.retryDelay(&retryableError{msg: "stream read: " + err.Error()}); rerr != nil {
				return Event{}, rerr
			}
			continue
		}

		s.total++
		if ev.Type == "resume" {
			var d struct {
				Token string `json:"token"`
			}
			if jerr := json.Unmarshal(ev.Data, &d); jerr == nil && d.Token != "" {
				s.token = d.Token
			}
		}
		if s.viaResume {
			s.replayed++
		}
		if ev.Terminal() {
			s.terminal = true
			s.Close()
		}
		return ev, nil
	}
}

// connect establishes the next connection: a resume when a token is held,
// otherwise a fresh stream.
func (s *Streamer) connect() error {
	var err error
	if s.token != "" {
		err = s.dial(s.resumeRequest())
		if err == nil {
			s.viaResume = true
			s.resumedReplay = !s.client.cfg.PreferLive
			return nil
		}
		var re *retryableError
		if asRetryable(err, &re) && re.dropToken {
			// Dead token: fall back to a fresh stream on the same attempt.
			s.token = ""
			err = nil
		}
	}
	if err == nil && s.token == "" {
		err = s.dial(s.streamRequest())
		if err == nil {
			s.viaResume = false
			s.resumedReplay = false
			return nil
		}
	}

	var re *retryableError
	if !asRetryable(err, &re) {
		return err
	}
	return s.retryDelay(re)
}

// retryDelay accounts one failed attempt and sleeps before the next. It
// returns an error when retries are exhausted or the context ends.
func (s *Streamer) retryDelay(re *retryableError) error {
	s.lastErr = re
	s.attempts++
	if s.attempts > s.client.maxRetries() {
		return fmt.Errorf("stream failed after %d retries: %w", s.client.maxRetries(), re)
	}
	delay := re.retryAfter
	if delay <= 0 {
		idx := s.attempts - 1
		if idx >= len(backoffSchedule) {
			idx = len(backoffSchedule) - 1
		}
		delay = backoffSchedule[idx]
	}
	return s.client.sleep(s.ctx, delay)
}

func (c *Client) maxRetries() int { return c.cfg.MaxRetries }

func (s *Streamer) streamRequest() (*http.Request, error) {
	body, err := json.Marshal(map[string]string{"brief": s.brief})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(s.ctx, "POST",
		s.client.cfg.BaseURL+"/assist/draft-graph/stream", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *Streamer) resumeRequest() (*http.Request, error) {
	path := s.client.cfg.BaseURL + "/assist/draft-graph/resume"
	if s.client.cfg.PreferLive {
		path += "?mode=live"
	}
	req, err := http.NewRequestWithContext(s.ctx, "POST", path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Resume-Token", s.token)
	return req, nil
}

// dial issues the request and classifies the response. On success the
// streamer holds the open body.
func (s *Streamer) dial(req *http.Request, rerr error) error {
	if rerr != nil {
		return rerr
	}
	if s.client.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.client.cfg.APIKey)
	}
	resp, err := s.client.http.Do(req)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		return &retryableError{msg: "connect: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUpgradeRequired:
			return &retryableError{
				msg:       fmt.Sprintf("resume rejected with %d", resp.StatusCode),
				dropToken: true,
			}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &retryableError{
				msg:        fmt.Sprintf("server returned %d", resp.StatusCode),
				retryAfter: retryAfterFrom(raw),
			}
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, raw)
	}
	s.body = resp.Body
	s.reader = bufio.NewReader(resp.Body)
	return nil
}

// retryAfterFrom extracts details.retry_after_seconds from an error body.
func retryAfterFrom(raw []byte) time.Duration {
	var body struct {
		Details struct {
			RetryAfterSeconds float64 `json:"retry_after_seconds"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0
	}
	return time.Duration(body.Details.RetryAfterSeconds*1000) * time.Millisecond
}

// readFrame reads one SSE frame, skipping heartbeat comments.
func (s *Streamer) readFrame() (Event, error) {
	ev := Event{Seq: -1}
	sawEvent := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
			sawEvent = true
		case strings.HasPrefix(line, "id: "):
			if n, perr := strconv.Atoi(strings.TrimPrefix(line, "id: ")); perr == nil {
				ev.Seq = n
			}
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if sawEvent {
				return ev, nil
			}
			// Blank line after a heartbeat: keep reading.
		}
	}
}

func asRetryable(err error, out **retryableError) bool {
	re, ok := err.(*retryableError)
	if ok {
		*out = re
	}
	return ok
}
