// Package cookies loads platform session cookies from disk.
package cookies

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// Provider supplies the session cookies used to resolve a platform's links.
type Provider interface {
	Cookies(ctx context.Context, p domain.Platform) ([]*http.Cookie, error)
}

// None is a Provider without cookies.
type None struct{}

// Cookies implements Provider.
func (None) Cookies(context.Context, domain.Platform) ([]*http.Cookie, error) {
	return nil, nil
}

// FileProvider reads <dir>/<platform>_cookies.txt. Files may hold a JSON
// object of name/value pairs, a JSON array of cookie objects, or the
// Netscape cookies.txt format. Files are re-read when they change.
type FileProvider struct {
	dir     string
	enabled domain.PlatformSet
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[domain.Platform]cachedFile
}

type cachedFile struct {
	modTime time.Time
	size    int64
	cookies []*http.Cookie
}

// NewFileProvider creates a provider for the platforms in enabled. Other
// platforms never receive cookies.
func NewFileProvider(dir string, enabled domain.PlatformSet, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if enabled == nil {
		enabled = domain.NewPlatformSet()
	}
	return &FileProvider{
		dir:     dir,
		enabled: enabled,
		logger:  logger,
		cache:   make(map[domain.Platform]cachedFile),
	}
}

// Path returns the cookie file path of p.
func (f *FileProvider) Path(p domain.Platform) string {
	return filepath.Join(f.dir, string(p)+"_cookies.txt")
}

// Cookies implements Provider. A missing file yields no cookies.
func (f *FileProvider) Cookies(ctx context.Context, p domain.Platform) ([]*http.Cookie, error) {
	if _, ok := f.enabled[p]; !ok {
		return nil, nil
	}
	path := f.Path(p)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat cookie file: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[p]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.cookies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	cookies, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	f.cache[p] = cachedFile{modTime: info.ModTime(), size: info.Size(), cookies: cookies}
	f.logger.Info("cookies loaded", "platform", p, "count", len(cookies))
	return cookies, nil
}

// Parse decodes cookie file content in any supported format.
func Parse(data []byte) ([]*http.Cookie, error) {
	data = bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case '{':
		var kv map[string]any
		if err := json.Unmarshal(data, &kv); err != nil {
			return nil, fmt.Errorf("decode json object: %w", err)
		}
		out := make([]*http.Cookie, 0, len(kv))
		for name, v := range kv {
			out = append(out, &http.Cookie{Name: name, Value: fmt.Sprint(v)})
		}
		return out, nil
	case '[':
		var list []struct {
			Name   string `json:"name"`
			Value  string `json:"value"`
			Domain string `json:"domain"`
			Path   string `json:"path"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode json array: %w", err)
		}
		out := make([]*http.Cookie, 0, len(list))
		for _, c := range list {
			if c.Name == "" {
				continue
			}
			out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		return out, nil
	}
	return parseNetscape(data)
}

// parseNetscape reads the tab separated cookies.txt format:
// domain, include-subdomains, path, secure, expiry, name, value.
func parseNetscape(data []byte) ([]*http.Cookie, error) {
	var out []*http.Cookie
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		httpOnly := false
		if strings.HasPrefix(text, "#HttpOnly_") {
			text = strings.TrimPrefix(text, "#HttpOnly_")
			httpOnly = true
		}
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 7 {
			return nil, fmt.Errorf("line %d: want 7 tab separated fields, got %d", line, len(fields))
		}
		c := &http.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HttpOnly: httpOnly,
		}
		if exp, err := strconv.ParseInt(fields[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// NewJar returns a cookie jar scoped by the public suffix list, so cookies
// set by one platform API are never sent to another registrable domain.
func NewJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}
