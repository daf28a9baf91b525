// Package auth implements the OAuth2 installed-app token cache backing
// the Gmail Source's HTTP client (spec §4.7). The consent flow itself is
// an external collaborator per spec.md §1 ("Out of scope"); this package
// exists only because the Gmail Source needs an authenticated
// *http.Client and something has to produce one.
//
// Adapted from danmarg-outtake's lib/oauth/oauth.go (browser-launch consent
// flow) and lib/gmail/cache.go (gob-encoded token persisted in a bolt
// bucket), generalized from a hardcoded client id/secret to an
// installed-app credentials JSON file path. The bolt store itself is
// trimmed to the single bucket/key this package actually reads and
// writes, rather than carrying danmarg-outtake's general-purpose
// namespaced k/v surface (see tokenstore.go).
package auth

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	gmail "google.golang.org/api/gmail/v1"
)

// Cache persists and reuses an OAuth2 token across runs.
type Cache struct {
	store *tokenStore
	log   *logrus.Entry
}

// NewCache opens (creating if absent) a bolt-backed token cache at path.
func NewCache(path string, log *logrus.Entry) (*Cache, error) {
	store, err := openTokenStore(path)
	if err != nil {
		return nil, fmt.Errorf("auth: opening token cache: %w", err)
	}
	return &Cache{store: store, log: log}, nil
}

func (c *Cache) get() (*oauth2.Token, bool) {
	bs, ok := c.store.get()
	if !ok {
		return nil, false
	}
	var tok oauth2.Token
	if err := gob.NewDecoder(bytes.NewReader(bs)).Decode(&tok); err != nil {
		c.log.WithError(err).Warn("auth: cached token is corrupt, ignoring")
		return nil, false
	}
	return &tok, true
}

func (c *Cache) set(tok *oauth2.Token) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(tok); err != nil {
		c.log.WithError(err).Error("auth: failed to encode token for caching")
		return
	}
	c.store.set(buf.Bytes())
}

// LoadConfig parses an installed-app OAuth2 client credentials file (the
// JSON document downloaded from Google Cloud Console) and scopes it to
// read-only Gmail access, since the Transfer Engine never writes back to
// Gmail.
func LoadConfig(credentialsFile string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("auth: reading credentials file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing credentials file: %w", err)
	}
	return cfg, nil
}

// Client returns an authenticated *http.Client for cfg, reusing a cached
// token if one is present and valid, otherwise running the interactive
// consent flow. Every token refresh is transparently persisted back to
// the cache.
func (c *Cache) Client(ctx context.Context, cfg *oauth2.Config) (*http.Client, error) {
	tok, ok := c.get()
	if !ok || !tok.Valid() {
		c.log.Info("auth: no valid cached token, starting OAuth2 consent flow")
		newTok, err := consent(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("auth: consent flow failed: %w", err)
		}
		tok = newTok
		c.set(tok)
	}

	src := &persistingTokenSource{
		log:   c.log,
		cache: c,
		inner: cfg.TokenSource(ctx, tok),
		last:  tok.AccessToken,
	}
	return oauth2.NewClient(ctx, src), nil
}

// persistingTokenSource wraps an oauth2.TokenSource and writes every newly
// minted token back to the cache, so a background refresh survives a
// process restart.
type persistingTokenSource struct {
	log   *logrus.Entry
	cache *Cache
	inner oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()
	if changed {
		p.cache.set(tok)
		p.log.Debug("auth: persisted refreshed token")
	}
	return tok, nil
}

// consent runs the interactive installed-app OAuth2 flow: launch a
// browser against a local redirect listener, falling back to a printed
// URL and a pasted authorization code when no browser can be launched.
func consent(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	if os.Getenv("OAUTH") != "NOBROWSER" {
		if code, err := codeFromBrowser(cfg); err == nil {
			return cfg.Exchange(ctx, code)
		}
	}

	oob := *cfg
	oob.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	authURL := oob.AuthCodeURL("", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Authorize this app at:\n%s\n\nPaste the authorization code: ", authURL)
	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	return oob.Exchange(ctx, code)
}

// codeFromBrowser opens the consent URL in a browser and waits for the
// resulting redirect to a local HTTP server, returning the authorization
// code.
func codeFromBrowser(cfg *oauth2.Config) (string, error) {
	ch := make(chan string, 1)
	errCh := make(chan error, 1)
	state := fmt.Sprintf("st%d", time.Now().UnixNano())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/favicon.ico" {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		if r.FormValue("state") != state {
			http.Error(w, "state mismatch", http.StatusInternalServerError)
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "<h1>Authorized</h1>You may close this tab.")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		ch <- code
	}))
	defer ts.Close()

	local := *cfg
	local.RedirectURL = ts.URL
	authURL := local.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	go func() { errCh <- openBrowser(authURL) }()
	if err := <-errCh; err != nil {
		return "", err
	}

	select {
	case code := <-ch:
		return code, nil
	case <-time.After(5 * time.Minute):
		return "", fmt.Errorf("timed out waiting for OAuth2 redirect")
	}
}

func openBrowser(url string) error {
	for _, bin := range []string{"xdg-open", "open", "google-chrome"} {
		if err := exec.Command(bin, url).Run(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no browser launcher found")
}
