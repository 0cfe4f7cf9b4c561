// Package bilibili resolves Bilibili video links into downloadable streams.
package bilibili

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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

const (
	apiBase = "https://api.bilibili.com"
	referer = "https://www.bilibili.com/"
)

// Quality ids with special handling.
const (
	qnDolby = 126
	qnHDR   = 125
	// qnAnonymousMax is the highest quality served without a login.
	qnAnonymousMax = 32
)

var qualityNames = map[int]string{
	127: "8K",
	126: "Dolby Vision",
	125: "HDR",
	120: "4K",
	116: "1080P60",
	112: "1080P+",
	80:  "1080P",
	74:  "720P60",
	64:  "720P",
	32:  "480P",
	16:  "360P",
	6:   "240P",
}

var codecNames = map[int]string{
	7:  "AVC",
	12: "HEVC",
	13: "AV1",
}

var (
	bvidPattern = regexp.MustCompile(`BV[0-9A-Za-z]{10}`)
	avidPattern = regexp.MustCompile(`(?i)\bav(\d+)`)
)

var shortHosts = map[string]bool{
	"b23.tv":          true,
	"www.b23.tv":      true,
	"bili2233.cn":     true,
	"www.bili2233.cn": true,
}

// Config holds resolver options.
type Config struct {
	// Quality is the highest quality id to offer. 0 means no ceiling, -1
	// selects the lowest stream only.
	Quality int
	// Codecs lists preferred codecs, most preferred first: AVC, HEVC, AV1.
	Codecs     []string
	AllowHDR   bool
	AllowDolby bool
	// EnableMultiPage expands multi-part uploads into up to MultiPageMax items.
	EnableMultiPage bool
	MultiPageMax    int
	// Progressive requests single-file streams. Set when no muxer is available.
	Progressive bool
	UserAgent   string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client resolves Bilibili links.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewClient creates a new Bilibili client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MultiPageMax <= 0 {
		cfg.MultiPageMax = 1
	}
	return &Client{
		httpClient: hc,
		cfg:        cfg,
		logger:     logger.With("platform", domain.PlatformBilibili),
	}
}

// Platform implements resolver.Resolver.
func (c *Client) Platform() domain.Platform {
	return domain.PlatformBilibili
}

// videoRef identifies a video and optionally one of its parts.
type videoRef struct {
	bvid string
	aid  int64
	page int // 0 when not given
}

// Resolve implements resolver.Resolver.
func (c *Client) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	target := ref.URL
	if isShortLink(target) {
		expanded, err := c.expandShortLink(ctx, target)
		if err != nil {
			return nil, c.wrap(ref, err)
		}
		target = expanded
	}

	vr, ok := parseVideoRef(target)
	if !ok {
		return nil, c.fail(ref, domain.ErrUnsupported, fmt.Errorf("no video id in %q", target))
	}

	loggedIn := false
	if len(cookies) > 0 {
		ok, err := c.CheckCookies(ctx, cookies)
		switch {
		case err != nil:
			c.logger.Warn("cookie check failed", "error", err)
		case !ok:
			c.logger.Warn("cookies are not logged in, resolving anonymously")
			cookies = nil
		}
		loggedIn = ok
	}

	view, err := c.fetchView(ctx, vr, cookies)
	if err != nil {
		return nil, c.wrap(ref, err)
	}
	if len(view.Pages) == 0 {
		return nil, c.fail(ref, domain.ErrNotFound, errors.New("video has no pages"))
	}

	// ?p=1 selects what the bare link selects unless multi-page expansion
	// would take more parts; both must share one content id.
	page := vr.page
	if page == 1 && (len(view.Pages) == 1 || !c.cfg.EnableMultiPage) {
		page = 0
	}

	pages, series, err := c.selectPages(view, page)
	if err != nil {
		return nil, c.fail(ref, domain.ErrNotFound, err)
	}

	id := view.BVID
	if page > 0 {
		id = fmt.Sprintf("%s:p%d", view.BVID, page)
	}

	media := &domain.ResolvedMedia{
		ContentID: domain.NewContentID(domain.PlatformBilibili, id),
		Platform:  domain.PlatformBilibili,
		Title:     view.Title,
		Author:    view.Owner.Name,
		SourceURL: "https://www.bilibili.com/video/" + view.BVID,
		Series:    series,
		Headers:   c.headers(),
		Cookies:   cookies,
		Metadata: map[string]string{
			"bvid":    view.BVID,
			"aid":     strconv.FormatInt(view.AID, 10),
			"cover":   view.Pic,
			"views":   strconv.FormatInt(view.Stat.View, 10),
			"likes":   strconv.FormatInt(view.Stat.Like, 10),
			"danmaku": strconv.FormatInt(view.Stat.Danmaku, 10),
		},
	}
	if page > 0 {
		media.SourceURL += "?p=" + strconv.Itoa(page)
	}

	for i, p := range pages {
		play, err := c.fetchPlayURL(ctx, view.BVID, p.CID, cookies)
		if err != nil {
			return nil, c.wrap(ref, err)
		}
		variants, err := c.variants(play)
		if err != nil {
			return nil, c.fail(ref, domain.ErrUnsupported, err)
		}
		title := view.Title
		if len(view.Pages) > 1 && p.Part != "" {
			title = p.Part
		}
		if loggedIn && variants[0].Rank > qnAnonymousMax {
			media.RequiresAuth = true
		}
		media.Items = append(media.Items, domain.MediaItem{
			Index:    i,
			Kind:     domain.MediaKindVideo,
			Title:    title,
			Duration: time.Duration(p.Duration) * time.Second,
			Variants: variants,
		})
	}

	c.logger.Info("resolved video",
		"bvid", view.BVID,
		"parts", len(media.Items),
		"total_parts", len(view.Pages),
	)
	return media, nil
}

// selectPages returns the pages to acquire for the requested page number.
func (c *Client) selectPages(view *viewData, page int) ([]pageInfo, *domain.Series, error) {
	total := len(view.Pages)
	if page > 0 {
		for _, p := range view.Pages {
			if p.Page == page {
				return []pageInfo{p}, &domain.Series{Part: page, Total: total}, nil
			}
		}
		return nil, nil, fmt.Errorf("part %d of %d does not exist", page, total)
	}
	if total == 1 {
		return view.Pages, nil, nil
	}
	if !c.cfg.EnableMultiPage {
		return view.Pages[:1], &domain.Series{Part: 1, Total: total}, nil
	}
	n := min(total, c.cfg.MultiPageMax)
	return view.Pages[:n], &domain.Series{Part: 1, Total: total}, nil
}

// CheckCookies reports whether cookies belong to a logged-in session.
func (c *Client) CheckCookies(ctx context.Context, cookies []*http.Cookie) (bool, error) {
	var resp apiResponse[navData]
	if err := c.getJSON(ctx, apiBase+"/x/web-interface/nav", cookies, &resp); err != nil {
		return false, err
	}
	return resp.Data.IsLogin, nil
}

func (c *Client) fetchView(ctx context.Context, vr videoRef, cookies []*http.Cookie) (*viewData, error) {
	q := url.Values{}
	if vr.bvid != "" {
		q.Set("bvid", vr.bvid)
	} else {
		q.Set("aid", strconv.FormatInt(vr.aid, 10))
	}
	var resp apiResponse[viewData]
	if err := c.getJSON(ctx, apiBase+"/x/web-interface/view?"+q.Encode(), cookies, &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) fetchPlayURL(ctx context.Context, bvid string, cid int64, cookies []*http.Cookie) (*playData, error) {
	q := url.Values{}
	q.Set("bvid", bvid)
	q.Set("cid", strconv.FormatInt(cid, 10))
	if c.cfg.Progressive {
		qn := c.cfg.Quality
		switch {
		case qn == 0:
			qn = 80
		case qn < 0:
			qn = 16
		}
		q.Set("qn", strconv.Itoa(qn))
		q.Set("fnval", "1")
	} else {
		q.Set("qn", "127")
		q.Set("fnval", "4048")
		q.Set("fourk", "1")
	}

	var resp apiResponse[playData]
	if err := c.getJSON(ctx, apiBase+"/x/player/playurl?"+q.Encode(), cookies, &resp); err != nil {
		return nil, err
	}
	if err := codeError(resp.Code, resp.Message); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// variants converts a playurl response into ranked variants.
func (c *Client) variants(play *playData) ([]domain.MediaVariant, error) {
	if play.Dash != nil && len(play.Dash.Video) > 0 {
		return c.dashVariants(play)
	}
	if len(play.Durl) == 1 {
		d := play.Durl[0]
		return []domain.MediaVariant{{
			ID:      strconv.Itoa(play.Quality),
			Quality: qualityName(play.Quality),
			Rank:    int64(play.Quality),
			Size:    d.Size,
			URL:     d.URL,
			Mirrors: d.BackupURL,
			Ext:     ".mp4",
		}}, nil
	}
	if len(play.Durl) > 1 {
		return nil, fmt.Errorf("segmented stream with %d parts", len(play.Durl))
	}
	return nil, errors.New("no playable streams")
}

func (c *Client) dashVariants(play *playData) ([]domain.MediaVariant, error) {
	audio, hasAudio := bestAudio(play.Dash.Audio)

	// One stream per quality id, choosing the most preferred codec.
	byQuality := make(map[int]dashStream)
	for _, s := range play.Dash.Video {
		if s.url() == "" || !c.allowed(s.ID) {
			continue
		}
		cur, ok := byQuality[s.ID]
		if !ok || c.codecRank(s.CodecID) < c.codecRank(cur.CodecID) {
			byQuality[s.ID] = s
		}
	}
	if len(byQuality) == 0 {
		return nil, errors.New("no video streams within quality limits")
	}

	ids := make([]int, 0, len(byQuality))
	for id := range byQuality {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	if c.cfg.Quality > 0 {
		capped := ids[:0:0]
		for _, id := range ids {
			if id <= c.cfg.Quality {
				capped = append(capped, id)
			}
		}
		if len(capped) == 0 {
			// Everything offered is above the ceiling; keep the lowest.
			capped = ids[len(ids)-1:]
		}
		ids = capped
	} else if c.cfg.Quality < 0 {
		ids = ids[len(ids)-1:]
	}

	variants := make([]domain.MediaVariant, 0, len(ids))
	for _, id := range ids {
		s := byQuality[id]
		v := domain.MediaVariant{
			ID:      strconv.Itoa(id),
			Quality: qualityName(id),
			Rank:    int64(id),
			URL:     s.url(),
			Mirrors: s.backups(),
			Codec:   codecNames[s.CodecID],
			Width:   s.Width,
			Height:  s.Height,
			FPS:     parseFrameRate(s.FrameRate),
			Ext:     ".mp4",
		}
		bandwidth := s.Bandwidth
		if hasAudio {
			v.AudioURL = audio.url()
			bandwidth += audio.Bandwidth
		}
		v.Size = estimateSize(bandwidth, play.Timelength)
		variants = append(variants, v)
	}
	domain.SortVariants(variants)
	return variants, nil
}

func (c *Client) allowed(qn int) bool {
	switch qn {
	case qnHDR:
		return c.cfg.AllowHDR
	case qnDolby:
		return c.cfg.AllowDolby
	}
	return true
}

// codecRank returns the preference position of a codec id; lower is better.
func (c *Client) codecRank(codecID int) int {
	name := codecNames[codecID]
	for i, pref := range c.cfg.Codecs {
		if pref == name {
			return i
		}
	}
	return len(c.cfg.Codecs) + codecID
}

func bestAudio(streams []dashStream) (dashStream, bool) {
	var best dashStream
	found := false
	for _, s := range streams {
		if s.url() == "" {
			continue
		}
		if !found || s.Bandwidth > best.Bandwidth {
			best = s
			found = true
		}
	}
	return best, found
}

// estimateSize converts a bitrate in bits/s and a duration in ms into bytes.
func estimateSize(bandwidth, timelengthMS int64) int64 {
	if bandwidth <= 0 || timelengthMS <= 0 {
		return 0
	}
	return bandwidth * timelengthMS / 1000 / 8
}

func parseFrameRate(s string) float64 {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func qualityName(qn int) string {
	if name, ok := qualityNames[qn]; ok {
		return name
	}
	return "qn" + strconv.Itoa(qn)
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Referer":    referer,
		"User-Agent": c.cfg.UserAgent,
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, cookies []*http.Cookie, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers() {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// expandShortLink follows b23.tv redirects to the canonical video URL.
func (c *Client) expandShortLink(ctx context.Context, short string) (string, error) {
	if !strings.Contains(short, "://") {
		short = "https://" + short
	}
	req, err := http.NewRequestWithContext(ctx, "GET", short, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("expand short link: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", &apiError{kind: domain.ErrNotFound, msg: fmt.Sprintf("short link %s: status %d", short, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return "", &apiError{kind: domain.ErrUpstreamUnavailable, msg: fmt.Sprintf("short link %s: status %d", short, resp.StatusCode)}
	}
	return resp.Request.URL.String(), nil
}

func (c *Client) fail(ref domain.RawRef, kind, err error) error {
	return domain.NewResolutionError(domain.PlatformBilibili, ref.URL, kind, err)
}

// wrap classifies err, keeping an existing kind.
func (c *Client) wrap(ref domain.RawRef, err error) error {
	kind := domain.ResolutionKind(err)
	if kind == nil {
		kind = domain.ErrUpstreamUnavailable
	}
	return c.fail(ref, kind, err)
}

func isShortLink(raw string) bool {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return shortHosts[strings.ToLower(u.Hostname())]
}

// parseVideoRef extracts the video id and part number from a URL or a bare id.
func parseVideoRef(raw string) (videoRef, bool) {
	var vr videoRef
	if u, err := url.Parse(raw); err == nil && u.RawQuery != "" {
		if p, err := strconv.Atoi(u.Query().Get("p")); err == nil && p > 0 {
			vr.page = p
		}
	}
	if bv := bvidPattern.FindString(raw); bv != "" {
		vr.bvid = bv
		return vr, true
	}
	if m := avidPattern.FindStringSubmatch(raw); m != nil {
		aid, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil && aid > 0 {
			vr.aid = aid
			return vr, true
		}
	}
	return vr, false
}

// codeError maps API error codes onto resolution kinds.
func codeError(code int, message string) error {
	if code == 0 {
		return nil
	}
	msg := fmt.Sprintf("api code %d: %s", code, message)
	switch code {
	case -404, 62002, 62004:
		return &apiError{kind: domain.ErrNotFound, msg: msg}
	case -101, 87007, 87008:
		return &apiError{kind: domain.ErrAuthRequired, msg: msg}
	}
	return &apiError{kind: domain.ErrUpstreamUnavailable, msg: msg}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &apiError{kind: domain.ErrNotFound, msg: msg}
	case http.StatusUnauthorized:
		return &apiError{kind: domain.ErrAuthRequired, msg: msg}
	}
	return &apiError{kind: domain.ErrUpstreamUnavailable, msg: msg}
}

// apiError carries a resolution kind without repeating it in the message.
type apiError struct {
	kind error
	msg  string
}

func (e *apiError) Error() string { return e.msg }

func (e *apiError) Unwrap() error { return e.kind }
