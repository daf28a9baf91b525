// Package imapsink implements the IMAP Sink (spec §4.3): connection
// lifecycle, personal-namespace discovery, idempotent folder creation,
// and session-recycling APPEND.
//
// Grounded on danmarg-outtake's lib/oauth.go retry idiom plus two pack
// examples that actually speak IMAP: greeddj-imapsync-go's
// internal/client/client.go (connectAndLogin/safeCall/getDelimiter
// shape, its CreateMailbox/mailboxExists pair) and customeros-mailstack's
// services/imap/client.go (DialWithDialerTLS + Capability + Login
// sequencing). Session recycling (age/uploads/error-count thresholds)
// and the SSL/socket/LOGOUT/connection fault classification are new,
// since neither example recycles a long-lived session the way spec §4.3
// requires.
package imapsink

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/gmig/gmig/internal/label"
	"github.com/gmig/gmig/internal/retry"
)

const (
	maxAppendAttempts = 3

	// recycleMaxAge is the pre-append session-age recycle threshold (spec §4.3).
	recycleMaxAge = 900 * time.Second
	// recycleMaxUploads is the pre-append uploads-since-connect threshold.
	recycleMaxUploads = 100
	// recycleMaxConnErrors is the pre-append accumulated-error threshold.
	recycleMaxConnErrors = 10

	// faultReconnectPause is the pause after a transport fault, before a
	// non-final APPEND retry (spec §4.3).
	faultReconnectPause = time.Second
)

// faultMarkers are the case-insensitive substrings spec §4.3 uses to
// classify an APPEND failure as a transport fault rather than a
// permanent per-message error.
var faultMarkers = []string{"ssl", "socket", "logout", "connection"}

// Config describes how to reach and authenticate against the
// destination IMAP server (spec §3, Config.imap).
type Config struct {
	Server   string
	Port     int
	Username string
	Password string
	UseSSL   bool
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// Sink is a long-lived IMAP session with recycling and idempotent
// folder management.
type Sink struct {
	cfg Config
	log *logrus.Entry

	mu            sync.Mutex
	conn          *imapclient.Client
	prefix        string
	delimiter     string
	connectedAt   time.Time
	uploads       int
	connErrors    int
	knownFolders  map[string]bool
}

// New dials, authenticates, and discovers the personal namespace.
func New(cfg Config, log *logrus.Entry) (*Sink, error) {
	s := &Sink{cfg: cfg, log: log, knownFolders: map[string]bool{}}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// connect dials the server, logs in, and re-runs namespace discovery,
// resetting the recycle counters (spec §4.3 "Connection lifecycle").
func (s *Sink) connect() error {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	var c *imapclient.Client
	var err error
	if s.cfg.UseSSL {
		c, err = imapclient.DialWithDialerTLS(dialer, s.cfg.addr(), &tls.Config{ServerName: s.cfg.Server})
	} else {
		c, err = imapclient.DialWithDialer(dialer, s.cfg.addr())
	}
	if err != nil {
		return fmt.Errorf("imapsink: dialing %s: %w", s.cfg.addr(), err)
	}

	caps, err := c.Capability()
	if err != nil {
		_ = c.Logout()
		return fmt.Errorf("imapsink: capability: %w", err)
	}

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		_ = c.Logout()
		return fmt.Errorf("imapsink: login: %w", err)
	}

	prefix, delim := "INBOX.", "."
	if caps["NAMESPACE"] {
		if p, d, ok := discoverNamespace(c); ok {
			prefix, delim = p, d
		} else {
			s.log.Warn("imapsink: NAMESPACE advertised but discovery failed, using INBOX./. fallback")
		}
	}

	s.conn = c
	s.prefix = prefix
	s.delimiter = delim
	s.connectedAt = time.Now()
	s.uploads = 0
	s.connErrors = 0
	s.knownFolders = map[string]bool{}
	s.log.WithFields(logrus.Fields{"prefix": prefix, "delimiter": delim}).Info("imapsink: connected")
	return nil
}

// Close logs out of the current session.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Logout()
	s.conn = nil
	return err
}

// resolveFolder applies the discovered personal-namespace prefix to a
// display folder name: INBOX is never prefixed, an already-prefixed
// name is returned unchanged, otherwise the prefix is prepended (spec
// §4.3, a pure function of (prefix, name)).
func resolveFolder(prefix, name string) string {
	if name == "INBOX" {
		return name
	}
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// CreateFolder resolves name and creates it if it does not already
// exist. Idempotent: a second call for the same name is a no-op.
func (s *Sink) CreateFolder(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := resolveFolder(s.prefix, name)
	if s.knownFolders[full] {
		return nil
	}

	exists, err := s.folderExists(full)
	if err != nil {
		return fmt.Errorf("imapsink: checking folder %s: %w", full, err)
	}
	if !exists {
		if err := s.conn.Create(full); err != nil {
			return fmt.Errorf("imapsink: creating folder %s: %w", full, err)
		}
	}
	s.knownFolders[full] = true
	return nil
}

func (s *Sink) folderExists(full string) (bool, error) {
	mailboxes := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() { done <- s.conn.List("", full, mailboxes) }()

	found := false
	for range mailboxes {
		found = true
	}
	return found, <-done
}

// Append uploads one message to folder with the given flags and
// internal date, under the 3-attempt recycle/retry cascade of spec
// §4.3. The folder must already have been created.
func (s *Sink) Append(folder string, raw []byte, flags []label.Flag, internalDate time.Time) error {
	imapFlags := make([]string, len(flags))
	for i, f := range flags {
		imapFlags[i] = string(f)
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		s.mu.Lock()
		if s.shouldRecycleLocked() {
			s.log.Info("imapsink: recycling session before append")
			_ = s.conn.Logout()
			s.conn = nil
		}
		if s.conn == nil {
			s.mu.Unlock()
			if err := s.connect(); err != nil {
				return fmt.Errorf("imapsink: reconnect during recycle: %w", err)
			}
			s.mu.Lock()
		}

		full := resolveFolder(s.prefix, folder)
		err := s.conn.Append(full, imapFlags, internalDate, bytes.NewReader(raw))
		if err == nil {
			s.uploads++
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		lastErr = err
		if !isTransportFault(err) {
			return fmt.Errorf("imapsink: append to %s: %w", full, err)
		}

		s.mu.Lock()
		s.connErrors++
		s.mu.Unlock()
		s.log.WithError(err).Warn("imapsink: transport fault during append")

		if attempt < maxAppendAttempts-1 {
			s.mu.Lock()
			_ = s.conn.Logout()
			s.conn = nil
			s.mu.Unlock()
			time.Sleep(faultReconnectPause)
			if err := s.connect(); err != nil {
				return fmt.Errorf("imapsink: reconnect after fault: %w", err)
			}
		}
	}
	return fmt.Errorf("imapsink: append exhausted retries: %w", lastErr)
}

// shouldRecycleLocked evaluates the pre-append recycle predicate. Caller
// must hold s.mu.
func (s *Sink) shouldRecycleLocked() bool {
	if s.conn == nil {
		return false
	}
	return time.Since(s.connectedAt) > recycleMaxAge ||
		s.uploads >= recycleMaxUploads ||
		s.connErrors >= recycleMaxConnErrors
}

// isTransportFault reports whether err's text matches one of the
// transport-fault markers spec §4.3 names; anything else is permanent.
func isTransportFault(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range faultMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryPolicy returns a retry.Policy of 3 attempts on the transport-fault
// predicate, with exponential backoff starting at faultReconnectPause.
// Exposed for callers (the Transfer Engine) that wrap an Append call in a
// further retry on top of Append's own internal one.
func RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAppendAttempts,
		Backoff:     retry.Exponential(faultReconnectPause),
		ShouldRetry: isTransportFault,
	}
}
