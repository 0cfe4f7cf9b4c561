package xiaohongshu

// noteState is the subset of window.__INITIAL_STATE__ on explore pages.
type noteState struct {
	Note struct {
		NoteDetailMap map[string]struct {
			Note *note `json:"note"`
		} `json:"noteDetailMap"`
	} `json:"note"`
	// NoteData is populated on discovery pages.
	NoteData *struct {
		Data struct {
			NoteData *note `json:"noteData"`
		} `json:"data"`
	} `json:"noteData"`
}

type note struct {
	NoteID     string  `json:"noteId"`
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	ShareTitle string  `json:"shareTitle"`
	Desc       string  `json:"desc"`
	User       *user   `json:"user"`
	Author     *user   `json:"author"`
	ImageList  []image `json:"imageList"`
	Video      *struct {
		Media struct {
			Stream streamSet `json:"stream"`
		} `json:"media"`
		Capa struct {
			Duration int `json:"duration"`
		} `json:"capa"`
	} `json:"video"`
	InteractInfo struct {
		LikedCount   string `json:"likedCount"`
		CommentCount string `json:"commentCount"`
	} `json:"interactInfo"`
}

func (n *note) id() string {
	if n.NoteID != "" {
		return n.NoteID
	}
	return n.ID
}

func (n *note) title() string {
	if n.Title != "" {
		return n.Title
	}
	return n.ShareTitle
}

func (n *note) author() string {
	for _, u := range []*user{n.User, n.Author} {
		if u == nil {
			continue
		}
		if u.Nickname != "" {
			return u.Nickname
		}
		if u.NickName != "" {
			return u.NickName
		}
	}
	return ""
}

type user struct {
	Nickname string `json:"nickname"`
	NickName string `json:"nickName"`
}

type image struct {
	URLDefault string    `json:"urlDefault"`
	URL        string    `json:"url"`
	URLPre     string    `json:"urlPre"`
	FileID     string    `json:"fileId"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	LivePhoto  bool      `json:"livePhoto"`
	Stream     streamSet `json:"stream"`
}

type streamSet struct {
	H265 []stream `json:"h265"`
	H264 []stream `json:"h264"`
	AV1  []stream `json:"av1"`
	H266 []stream `json:"h266"`
}

type codecStreams struct {
	codec   string
	streams []stream
}

// byCodec returns streams grouped by codec in preference order.
func (s streamSet) byCodec() []codecStreams {
	return []codecStreams{
		{"h265", s.H265},
		{"h264", s.H264},
		{"av1", s.AV1},
		{"h266", s.H266},
	}
}

type stream struct {
	MasterURL  string   `json:"masterUrl"`
	BackupURLs []string `json:"backupUrls"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	FPS        float64  `json:"fps"`
	Size       int64    `json:"size"`
	AvgBitrate int64    `json:"avgBitrate"`
	Duration   int64    `json:"duration"`
	Quality    string   `json:"qualityType"`
}
