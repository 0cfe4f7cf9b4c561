package douyin

import "strings"

// awemeItem is the item shape shared by the share page router data, the
// iteminfo API and the slidesinfo API.
type awemeItem struct {
	AwemeID    string `json:"aweme_id"`
	Desc       string `json:"desc"`
	CreateTime int64  `json:"create_time"`
	Author     struct {
		Nickname string `json:"nickname"`
	} `json:"author"`
	Video      *videoInfo  `json:"video"`
	Images     []imageInfo `json:"images"`
	Statistics struct {
		DiggCount    int64 `json:"digg_count"`
		CommentCount int64 `json:"comment_count"`
		ShareCount   int64 `json:"share_count"`
	} `json:"statistics"`
}

type videoInfo struct {
	PlayAddr      *playAddr `json:"play_addr"`
	PlayAddrH264  *playAddr `json:"play_addr_h264"`
	PlayAddrLowBR *playAddr `json:"play_addr_lowbr"`
	BitRate       []bitRate `json:"bit_rate"`
	Cover         *urlList  `json:"cover"`
	Duration      int64     `json:"duration"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
}

// bestPlayAddr returns the first non-empty play address.
func (v *videoInfo) bestPlayAddr() *playAddr {
	for _, p := range []*playAddr{v.PlayAddr, v.PlayAddrH264, v.PlayAddrLowBR} {
		if p != nil && len(p.URLList) > 0 {
			return p
		}
	}
	return nil
}

type bitRate struct {
	GearName    string    `json:"gear_name"`
	QualityType int       `json:"quality_type"`
	BitRate     int64     `json:"bit_rate"`
	IsH265      int       `json:"is_h265"`
	FPS         float64   `json:"FPS"`
	PlayAddr    *playAddr `json:"play_addr"`
}

type playAddr struct {
	URLList  []string `json:"url_list"`
	DataSize int64    `json:"data_size"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
}

type urlList struct {
	URLList []string `json:"url_list"`
}

type imageInfo struct {
	URLList []string   `json:"url_list"`
	Width   int        `json:"width"`
	Height  int        `json:"height"`
	Video   *videoInfo `json:"video"`
}

// itemListResponse covers the list keys used by the various web APIs.
type itemListResponse struct {
	StatusCode   int         `json:"status_code"`
	ItemList     []awemeItem `json:"item_list"`
	AwemeDetails []awemeItem `json:"aweme_details"`
	AwemeList    []awemeItem `json:"aweme_list"`
}

func (r *itemListResponse) first() (*awemeItem, bool) {
	for _, list := range [][]awemeItem{r.ItemList, r.AwemeDetails, r.AwemeList} {
		if len(list) > 0 {
			return &list[0], true
		}
	}
	return nil, false
}

// routerPage is the loader data entry of a video or note share page.
type routerPage struct {
	VideoInfoRes itemListResponse `json:"videoInfoRes"`
}

// noWatermark rewrites a watermarked play URL to the clean stream.
func noWatermark(u string) string {
	return strings.Replace(u, "playwm", "play", 1)
}
