// Package xiaohongshu resolves Xiaohongshu note links.
package xiaohongshu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

const (
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	mobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1 Edg/132.0.0.0"
	webReferer       = "https://www.xiaohongshu.com/"
	exploreBase      = "https://www.xiaohongshu.com/explore/"
)

// originalHosts serve unprocessed image files by token.
var originalHosts = []string{
	"sns-img-bd.xhscdn.com",
	"sns-img-qc.xhscdn.com",
	"sns-img-hw.xhscdn.com",
}

var (
	noteIDPattern = regexp.MustCompile(`(?i)/(?:explore|discovery/item)/([0-9a-zA-Z]+)`)
	statePattern  = regexp.MustCompile(`(?s)window\.__INITIAL_STATE__=(.*?)</script>`)
	tokenPattern  = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// Config holds resolver options.
type Config struct {
	// DownloadOriginal offers the unprocessed image file ahead of the
	// default rendition.
	DownloadOriginal bool
	// MaxMedia caps the number of images and live photos taken from a note.
	MaxMedia   int
	HTTPClient *http.Client
}

// Client resolves Xiaohongshu links.
type Client struct {
	httpClient *http.Client
	noRedirect *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewClient creates a new Xiaohongshu client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient: hc,
		noRedirect: &http.Client{
			Transport: hc.Transport,
			Jar:       hc.Jar,
			Timeout:   hc.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		logger: logger.With("platform", domain.PlatformXiaohongshu),
	}
}

// Platform implements resolver.Resolver.
func (c *Client) Platform() domain.Platform {
	return domain.PlatformXiaohongshu
}

// Resolve implements resolver.Resolver.
func (c *Client) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	target := normalizeURL(ref.URL)
	if isShortLink(target) {
		loc, err := c.expandShortLink(ctx, target, cookies)
		if err != nil {
			return nil, c.wrap(ref, err)
		}
		target = loc
	}

	m := noteIDPattern.FindStringSubmatch(target)
	if m == nil {
		return nil, c.fail(ref, domain.ErrUnsupported, fmt.Errorf("no note id in %q", target))
	}
	noteID := m[1]

	// The query carries the xsec token and must be kept.
	exploreURL := exploreBase + noteID
	if _, query, ok := strings.Cut(target, "?"); ok {
		exploreURL += "?" + query
	}

	// Notes are fetched anonymously first; the session is only used, and
	// then carried to downloads, when the note is hidden without it.
	n, err := c.fetchNote(ctx, target, exploreURL, noteID, nil)
	var used []*http.Cookie
	if err != nil && len(cookies) > 0 && (errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAuthRequired)) {
		c.logger.Debug("note not visible anonymously, retrying with cookies", "note_id", noteID, "error", err)
		n, err = c.fetchNote(ctx, target, exploreURL, noteID, cookies)
		used = cookies
	}
	if err != nil {
		return nil, c.wrap(ref, err)
	}

	media := c.toMedia(n, noteID, exploreURL)
	if len(media.Items) == 0 {
		return nil, c.fail(ref, domain.ErrNotFound, errors.New("note has no media"))
	}
	media.Cookies = used
	media.RequiresAuth = used != nil

	c.logger.Info("resolved note",
		"note_id", noteID,
		"type", n.Type,
		"items", len(media.Items),
	)
	return media, nil
}

// fetchNote loads the explore page, falling back to the discovery page for
// discovery links.
func (c *Client) fetchNote(ctx context.Context, target, exploreURL, noteID string, cookies []*http.Cookie) (*note, error) {
	n, err := c.fetchExplore(ctx, exploreURL, noteID, cookies)
	if err != nil && strings.Contains(target, "/discovery/item/") && !errors.Is(err, domain.ErrAuthRequired) {
		c.logger.Debug("explore page failed, trying discovery", "note_id", noteID, "error", err)
		n, err = c.fetchDiscovery(ctx, target, cookies)
	}
	return n, err
}

func (c *Client) fetchExplore(ctx context.Context, exploreURL, noteID string, cookies []*http.Cookie) (*note, error) {
	state, err := c.fetchState(ctx, exploreURL, cookies)
	if err != nil {
		return nil, err
	}
	entry, ok := state.Note.NoteDetailMap[noteID]
	if !ok || entry.Note == nil {
		return nil, notFound("note detail missing from page state")
	}
	return entry.Note, nil
}

func (c *Client) fetchDiscovery(ctx context.Context, pageURL string, cookies []*http.Cookie) (*note, error) {
	state, err := c.fetchState(ctx, pageURL, cookies)
	if err != nil {
		return nil, err
	}
	if state.NoteData == nil || state.NoteData.Data.NoteData == nil {
		return nil, notFound("noteData missing from page state")
	}
	return state.NoteData.Data.NoteData, nil
}

// fetchState loads a note page and decodes its initial state.
func (c *Client) fetchState(ctx context.Context, pageURL string, cookies []*http.Cookie) (*noteState, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", desktopUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	if strings.Contains(final.Path, "login") {
		return nil, &pageError{kind: domain.ErrAuthRequired, msg: "redirected to login"}
	}
	if strings.HasPrefix(final.Path, "/404") {
		return nil, notFound("page redirected to 404")
	}
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	m := statePattern.FindSubmatch(body)
	if m == nil {
		if len(cookies) > 0 {
			return nil, &pageError{kind: domain.ErrAuthRequired, msg: "page state missing with cookies"}
		}
		return nil, notFound("page state missing, link expired or note deleted")
	}

	raw := bytes.ReplaceAll(m[1], []byte("undefined"), []byte("null"))
	var state noteState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode page state: %w", err)
	}
	return &state, nil
}

// toMedia converts a note into resolved media.
func (c *Client) toMedia(n *note, noteID, sourceURL string) *domain.ResolvedMedia {
	if id := n.id(); id != "" {
		noteID = id
	}
	media := &domain.ResolvedMedia{
		ContentID: domain.NewContentID(domain.PlatformXiaohongshu, noteID),
		Platform:  domain.PlatformXiaohongshu,
		Title:     n.title(),
		Author:    n.author(),
		SourceURL: sourceURL,
		Headers: map[string]string{
			"User-Agent": desktopUserAgent,
			"Referer":    webReferer,
		},
		Metadata: map[string]string{
			"note_id": noteID,
			"type":    n.Type,
			"desc":    n.Desc,
			"likes":   n.InteractInfo.LikedCount,
		},
	}

	if n.Type == "video" && n.Video != nil {
		if variants := streamVariants(n.Video.Media.Stream); len(variants) > 0 {
			media.Items = append(media.Items, domain.MediaItem{
				Kind:     domain.MediaKindVideo,
				Title:    n.title(),
				Duration: time.Duration(n.Video.Capa.Duration) * time.Second,
				Variants: variants,
			})
		}
		return media
	}

	var lives []domain.MediaItem
	for _, img := range n.ImageList {
		if variants := c.imageVariants(img); len(variants) > 0 {
			media.Items = append(media.Items, domain.MediaItem{
				Kind:     domain.MediaKindImage,
				Variants: variants,
			})
		}
		if img.LivePhoto {
			if variants := streamVariants(img.Stream); len(variants) > 0 {
				lives = append(lives, domain.MediaItem{Kind: domain.MediaKindLivePhoto, Variants: variants})
			}
		}
	}
	media.Items = append(media.Items, lives...)
	if c.cfg.MaxMedia > 0 && len(media.Items) > c.cfg.MaxMedia {
		media.Items = media.Items[:c.cfg.MaxMedia]
	}
	for i := range media.Items {
		media.Items[i].Index = i
	}
	return media
}

// imageVariants returns the original file variant, when enabled, above the
// default rendition.
func (c *Client) imageVariants(img image) []domain.MediaVariant {
	def := img.URLDefault
	if def == "" {
		def = img.URL
	}
	if def == "" {
		return nil
	}
	def = stripStyle(def)
	if strings.HasPrefix(def, "http://") {
		def = "https://" + strings.TrimPrefix(def, "http://")
	}

	variants := []domain.MediaVariant{{
		ID:      "default",
		Quality: "default",
		Rank:    1,
		URL:     def,
		Width:   img.Width,
		Height:  img.Height,
		Ext:     ".jpg",
	}}
	if !c.cfg.DownloadOriginal {
		return variants
	}
	token := imageToken(def)
	if token == "" {
		return variants
	}

	urls := make([]string, 0, len(originalHosts)+1)
	for _, host := range originalHosts {
		urls = append(urls, "https://"+host+"/"+token)
	}
	// The default rendition is the last mirror so a dead original CDN does
	// not fail the item.
	urls = append(urls, def)
	original := domain.MediaVariant{
		ID:      "original",
		Quality: "original",
		Rank:    2,
		URL:     urls[0],
		Mirrors: urls[1:],
		Width:   img.Width,
		Height:  img.Height,
		Ext:     ".jpg",
	}
	return append([]domain.MediaVariant{original}, variants...)
}

// streamVariants ranks video streams by pixel rate. Codec preference breaks ties.
func streamVariants(set streamSet) []domain.MediaVariant {
	var variants []domain.MediaVariant
	for _, group := range set.byCodec() {
		for _, s := range group.streams {
			if s.MasterURL == "" {
				continue
			}
			label := s.Quality
			if label == "" && s.Height > 0 {
				label = fmt.Sprintf("%dp", min(s.Width, s.Height))
			}
			variants = append(variants, domain.MediaVariant{
				ID:      group.codec + ":" + label,
				Quality: label,
				Rank:    int64(float64(s.Width*s.Height) * max(s.FPS, 1)),
				Size:    s.Size,
				URL:     s.MasterURL,
				Mirrors: s.BackupURLs,
				Codec:   group.codec,
				Width:   s.Width,
				Height:  s.Height,
				FPS:     s.FPS,
				Ext:     ".mp4",
			})
		}
	}
	domain.SortVariants(variants)
	return variants
}

// imageToken extracts the file token of an xhscdn image URL. Signed URLs
// carry two path segments before the token.
func imageToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 3 {
		if token := stripStyle(strings.Join(parts[2:], "/")); len(token) > 10 {
			return token
		}
	}
	last := stripStyle(parts[len(parts)-1])
	if len(last) > 20 && tokenPattern.MatchString(last) {
		return last
	}
	return ""
}

func stripStyle(u string) string {
	if i := strings.Index(u, "!"); i >= 0 {
		return u[:i]
	}
	return u
}

func (c *Client) expandShortLink(ctx context.Context, short string, cookies []*http.Cookie) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", short, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", mobileUserAgent)
	req.Header.Set("Origin", "https://www.xiaohongshu.com")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	resp, err := c.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("expand short link: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", statusError(resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return short, nil
	}
	abs, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	return abs.String(), nil
}

func (c *Client) fail(ref domain.RawRef, kind, err error) error {
	return domain.NewResolutionError(domain.PlatformXiaohongshu, ref.URL, kind, err)
}

func (c *Client) wrap(ref domain.RawRef, err error) error {
	kind := domain.ResolutionKind(err)
	if kind == nil {
		kind = domain.ErrUpstreamUnavailable
	}
	return c.fail(ref, kind, err)
}

// pageError carries a resolution kind without repeating it in the message.
type pageError struct {
	kind error
	msg  string
}

func (e *pageError) Error() string { return e.msg }

func (e *pageError) Unwrap() error { return e.kind }

func notFound(msg string) error {
	return &pageError{kind: domain.ErrNotFound, msg: msg}
}

func statusError(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return notFound(fmt.Sprintf("status %d", code))
	case code == http.StatusUnauthorized:
		return &pageError{kind: domain.ErrAuthRequired, msg: fmt.Sprintf("status %d", code)}
	}
	return &pageError{kind: domain.ErrUpstreamUnavailable, msg: fmt.Sprintf("status %d", code)}
}

func isShortLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "xhslink.com" || host == "www.xhslink.com"
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://" + u
}
