package bilibili

// apiResponse is the common envelope of api.bilibili.com responses.
type apiResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type viewData struct {
	BVID     string `json:"bvid"`
	AID      int64  `json:"aid"`
	Title    string `json:"title"`
	Pic      string `json:"pic"`
	Desc     string `json:"desc"`
	Duration int    `json:"duration"`
	Owner    struct {
		MID  int64  `json:"mid"`
		Name string `json:"name"`
	} `json:"owner"`
	Stat struct {
		View    int64 `json:"view"`
		Like    int64 `json:"like"`
		Coin    int64 `json:"coin"`
		Danmaku int64 `json:"danmaku"`
	} `json:"stat"`
	Pages []pageInfo `json:"pages"`
}

type pageInfo struct {
	CID      int64  `json:"cid"`
	Page     int    `json:"page"`
	Part     string `json:"part"`
	Duration int    `json:"duration"`
}

type playData struct {
	Quality       int        `json:"quality"`
	Timelength    int64      `json:"timelength"`
	AcceptQuality []int      `json:"accept_quality"`
	Dash          *dashInfo  `json:"dash"`
	Durl          []durlInfo `json:"durl"`
}

type dashInfo struct {
	Video []dashStream `json:"video"`
	Audio []dashStream `json:"audio"`
}

type dashStream struct {
	ID         int      `json:"id"`
	BaseURL    string   `json:"baseUrl"`
	BaseURLAlt string   `json:"base_url"`
	BackupURL  []string `json:"backupUrl"`
	BackupAlt  []string `json:"backup_url"`
	Bandwidth  int64    `json:"bandwidth"`
	CodecID    int      `json:"codecid"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	FrameRate  string   `json:"frameRate"`
}

func (s dashStream) url() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return s.BaseURLAlt
}

func (s dashStream) backups() []string {
	if len(s.BackupURL) > 0 {
		return s.BackupURL
	}
	return s.BackupAlt
}

type durlInfo struct {
	URL       string   `json:"url"`
	BackupURL []string `json:"backup_url"`
	Size      int64    `json:"size"`
	Length    int64    `json:"length"`
}

type navData struct {
	IsLogin bool   `json:"isLogin"`
	Uname   string `json:"uname"`
}
