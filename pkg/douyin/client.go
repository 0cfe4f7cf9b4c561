// Package douyin resolves Douyin video and image post links.
package douyin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// Mobile user agents. Share pages only embed router data for mobile clients.
const (
	IOSUserAgent     = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1 Edg/132.0.0.0"
	AndroidUserAgent = "Mozilla/5.0 (Linux; Android 15; SM-G998B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Mobile Safari/537.36 Edg/132.0.0.0"
	webReferer       = "https://www.douyin.com/"
)

const (
	itemInfoURL   = "https://www.iesdouyin.com/web/api/v2/aweme/iteminfo/"
	slidesInfoURL = "https://www.iesdouyin.com/web/api/v2/aweme/slidesinfo/"
)

var (
	longPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:www\.)?douyin\.com/(video|note)/(\d+)`),
		regexp.MustCompile(`(?i)(?:www\.)?iesdouyin\.com/share/(slides|video|note)/(\d+)`),
		regexp.MustCompile(`(?i)m\.douyin\.com/share/(slides|video|note)/(\d+)`),
		regexp.MustCompile(`(?i)jingxuan\.douyin\.com/m/(slides|video|note)/(\d+)`),
	}
	shortPattern = regexp.MustCompile(`(?i)^(?:https?://)?(?:v|jx)\.douyin\.com/`)
	routerData   = regexp.MustCompile(`(?s)window\._ROUTER_DATA\s*=\s*(.*?)</script>`)
	digits       = regexp.MustCompile(`^\d+$`)
)

var idQueryKeys = []string{"modal_id", "aweme_id", "item_id", "video_id", "note_id", "id"}

// errNoData marks a source that answered without the item.
var errNoData = errors.New("no item data")

// Config holds resolver options.
type Config struct {
	// MaxMedia caps the number of images and live photos taken from a post.
	MaxMedia   int
	HTTPClient *http.Client
}

// Client resolves Douyin links.
type Client struct {
	httpClient *http.Client
	maxMedia   int
	logger     *slog.Logger
}

// NewClient creates a new Douyin client.
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
		maxMedia:   cfg.MaxMedia,
		logger:     logger.With("platform", domain.PlatformDouyin),
	}
}

// Platform implements resolver.Resolver.
func (c *Client) Platform() domain.Platform {
	return domain.PlatformDouyin
}

// source is one way of fetching an item.
type source struct {
	name  string
	fetch func(ctx context.Context) (*awemeItem, error)
}

// Resolve implements resolver.Resolver.
func (c *Client) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	target := normalizeURL(ref.URL)
	if shortPattern.MatchString(target) {
		expanded, err := c.expandShortLink(ctx, target)
		if err != nil {
			return nil, c.fail(ref, domain.ErrUpstreamUnavailable, err)
		}
		target = expanded
	}

	kind, id := matchTypeAndID(target)
	if id == "" {
		return nil, c.fail(ref, domain.ErrUnsupported, fmt.Errorf("no douyin id in %q", target))
	}

	var errs []error
	for _, src := range c.sources(target, kind, id, cookies) {
		item, err := src.fetch(ctx)
		if err == nil {
			media := c.toMedia(item, id, target)
			if len(media.Items) == 0 {
				errs = append(errs, fmt.Errorf("%s: %w", src.name, errNoData))
				continue
			}
			c.logger.Info("resolved item", "id", id, "source", src.name, "items", len(media.Items))
			return media, nil
		}
		if ctx.Err() != nil {
			return nil, c.fail(ref, domain.ErrUpstreamUnavailable, ctx.Err())
		}
		c.logger.Debug("douyin source failed", "source", src.name, "id", id, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", src.name, err))
	}

	joined := errors.Join(errs...)
	if allNoData(errs) {
		return nil, c.fail(ref, domain.ErrNotFound, joined)
	}
	return nil, c.fail(ref, domain.ErrUpstreamUnavailable, joined)
}

// sources returns the fetch strategies for an item type in the order they
// are tried.
func (c *Client) sources(target, kind, id string, cookies []*http.Cookie) []source {
	page := func(u string) source {
		return source{name: "share:" + u, fetch: func(ctx context.Context) (*awemeItem, error) {
			return c.fetchSharePage(ctx, u, cookies)
		}}
	}
	itemInfo := source{name: "iteminfo", fetch: func(ctx context.Context) (*awemeItem, error) {
		return c.fetchItemInfo(ctx, id)
	}}
	slides := source{name: "slides", fetch: func(ctx context.Context) (*awemeItem, error) {
		return c.fetchSlides(ctx, id)
	}}

	switch kind {
	case "slides":
		return []source{slides, itemInfo}
	case "video", "note":
		var out []source
		if strings.Contains(target, "iesdouyin.com/share") || strings.Contains(target, "m.douyin.com/share") {
			out = append(out, page(target))
		}
		return append(out, page(mShareURL(kind, id)), page(iesShareURL(kind, id)), itemInfo)
	}
	return []source{
		itemInfo,
		page(mShareURL("video", id)), page(iesShareURL("video", id)),
		page(mShareURL("note", id)), page(iesShareURL("note", id)),
		slides,
	}
}

func (c *Client) fetchSharePage(ctx context.Context, pageURL string, cookies []*http.Cookie) (*awemeItem, error) {
	body, err := c.get(ctx, pageURL, IOSUserAgent, cookies)
	if err != nil {
		return nil, err
	}
	m := routerData.FindSubmatch(body)
	if m == nil || len(strings.TrimSpace(string(m[1]))) == 0 {
		return nil, fmt.Errorf("missing router data: %w", errNoData)
	}

	var data struct {
		LoaderData map[string]json.RawMessage `json:"loaderData"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(m[1]))), &data); err != nil {
		return nil, fmt.Errorf("decode router data: %w", err)
	}
	for _, key := range []string{"video_(id)/page", "note_(id)/page"} {
		raw, ok := data.LoaderData[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var p routerPage
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if item, ok := p.VideoInfoRes.first(); ok {
			return item, nil
		}
	}
	return nil, fmt.Errorf("router data without item: %w", errNoData)
}

func (c *Client) fetchItemInfo(ctx context.Context, id string) (*awemeItem, error) {
	q := url.Values{"item_ids": {id}}
	return c.fetchList(ctx, itemInfoURL+"?"+q.Encode())
}

func (c *Client) fetchSlides(ctx context.Context, id string) (*awemeItem, error) {
	q := url.Values{
		"aweme_ids":      {"[" + id + "]"},
		"request_source": {"200"},
	}
	return c.fetchList(ctx, slidesInfoURL+"?"+q.Encode())
}

func (c *Client) fetchList(ctx context.Context, rawURL string) (*awemeItem, error) {
	body, err := c.get(ctx, rawURL, AndroidUserAgent, nil)
	if err != nil {
		return nil, err
	}
	var resp itemListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	item, ok := resp.first()
	if !ok {
		return nil, fmt.Errorf("empty item list: %w", errNoData)
	}
	return item, nil
}

// toMedia converts an item into resolved media. Still images come first,
// then live photo clips, capped at maxMedia.
func (c *Client) toMedia(item *awemeItem, id, sourceURL string) *domain.ResolvedMedia {
	if item.AwemeID != "" {
		id = item.AwemeID
	}
	media := &domain.ResolvedMedia{
		ContentID: domain.NewContentID(domain.PlatformDouyin, id),
		Platform:  domain.PlatformDouyin,
		Title:     item.Desc,
		Author:    item.Author.Nickname,
		SourceURL: sourceURL,
		Headers: map[string]string{
			"User-Agent": IOSUserAgent,
			"Referer":    webReferer,
		},
		Metadata: map[string]string{
			"aweme_id": id,
			"likes":    strconv.FormatInt(item.Statistics.DiggCount, 10),
			"comments": strconv.FormatInt(item.Statistics.CommentCount, 10),
		},
	}
	if item.Video != nil && item.Video.Cover != nil && len(item.Video.Cover.URLList) > 0 {
		media.Metadata["cover"] = item.Video.Cover.URLList[0]
	}

	if len(item.Images) > 0 {
		var lives []domain.MediaItem
		for _, img := range item.Images {
			if len(img.URLList) > 0 {
				media.Items = append(media.Items, domain.MediaItem{
					Kind: domain.MediaKindImage,
					Variants: []domain.MediaVariant{{
						ID:      "image",
						Quality: "original",
						URL:     img.URLList[0],
						Mirrors: img.URLList[1:],
						Width:   img.Width,
						Height:  img.Height,
						Ext:     imageExt(img.URLList[0]),
					}},
				})
			}
			if img.Video != nil {
				if variants := videoVariants(img.Video); len(variants) > 0 {
					lives = append(lives, domain.MediaItem{
						Kind:     domain.MediaKindLivePhoto,
						Duration: time.Duration(img.Video.Duration) * time.Millisecond,
						Variants: variants,
					})
				}
			}
		}
		media.Items = append(media.Items, lives...)
		if c.maxMedia > 0 && len(media.Items) > c.maxMedia {
			media.Items = media.Items[:c.maxMedia]
		}
	} else if item.Video != nil {
		if variants := videoVariants(item.Video); len(variants) > 0 {
			media.Items = append(media.Items, domain.MediaItem{
				Kind:     domain.MediaKindVideo,
				Title:    item.Desc,
				Duration: time.Duration(item.Video.Duration) * time.Millisecond,
				Variants: variants,
			})
		}
	}

	for i := range media.Items {
		media.Items[i].Index = i
	}
	return media
}

// videoVariants builds variants from the bit rate ladder, falling back to
// the plain play address.
func videoVariants(v *videoInfo) []domain.MediaVariant {
	var variants []domain.MediaVariant
	for _, br := range v.BitRate {
		if br.PlayAddr == nil || len(br.PlayAddr.URLList) == 0 {
			continue
		}
		codec := "h264"
		if br.IsH265 == 1 {
			codec = "h265"
		}
		variants = append(variants, domain.MediaVariant{
			ID:      br.GearName,
			Quality: br.GearName,
			Rank:    br.BitRate,
			Size:    br.PlayAddr.DataSize,
			URL:     noWatermark(br.PlayAddr.URLList[0]),
			Mirrors: mirrors(br.PlayAddr.URLList[1:]),
			Codec:   codec,
			Width:   br.PlayAddr.Width,
			Height:  br.PlayAddr.Height,
			FPS:     br.FPS,
			Ext:     ".mp4",
		})
	}
	if len(variants) > 0 {
		domain.SortVariants(variants)
		return variants
	}

	p := v.bestPlayAddr()
	if p == nil {
		return nil
	}
	return []domain.MediaVariant{{
		ID:      "play",
		Quality: "default",
		Size:    p.DataSize,
		URL:     noWatermark(p.URLList[0]),
		Mirrors: mirrors(p.URLList[1:]),
		Width:   v.Width,
		Height:  v.Height,
		Ext:     ".mp4",
	}}
}

func mirrors(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = noWatermark(u)
	}
	return out
}

func imageExt(u string) string {
	path := u
	if parsed, err := url.Parse(u); err == nil {
		path = parsed.Path
	}
	switch {
	case strings.Contains(path, ".webp"):
		return ".webp"
	case strings.Contains(path, ".png"):
		return ".png"
	}
	return ".jpg"
}

func (c *Client) get(ctx context.Context, rawURL, userAgent string, cookies []*http.Cookie) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", webReferer)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, errNoData)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *Client) expandShortLink(ctx context.Context, short string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", short, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", IOSUserAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("expand short link: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Request.URL.String(), nil
}

func (c *Client) fail(ref domain.RawRef, kind, err error) error {
	return domain.NewResolutionError(domain.PlatformDouyin, ref.URL, kind, err)
}

func allNoData(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !errors.Is(err, errNoData) {
			return false
		}
	}
	return true
}

// matchTypeAndID returns the item type ("video", "note", "slides" or "")
// and numeric id of a Douyin URL.
func matchTypeAndID(raw string) (kind, id string) {
	for _, p := range longPatterns {
		if m := p.FindStringSubmatch(raw); m != nil {
			return strings.ToLower(m[1]), m[2]
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	q := u.Query()
	for _, key := range idQueryKeys {
		for _, v := range q[key] {
			if digits.MatchString(v) {
				return "", v
			}
		}
	}
	return "", ""
}

func mShareURL(kind, id string) string {
	return "https://m.douyin.com/share/" + kind + "/" + id
}

func iesShareURL(kind, id string) string {
	return "https://www.iesdouyin.com/share/" + kind + "/" + id
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://" + u
}
