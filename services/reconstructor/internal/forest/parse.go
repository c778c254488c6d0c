package forest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Raw item kinds as the comments API tags them.
const (
	rawKindPost    = "t3"
	rawKindComment = "t1"
	rawKindMore    = "more"
)

// Item is one raw {kind, data} thing as returned by the remote API.
type Item struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// PostSummary describes the discussion root.
type PostSummary struct {
	ID            string    `json:"id"`
	Subreddit     string    `json:"subreddit"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Body          string    `json:"body,omitempty"`
	Score         int       `json:"score"`
	UpvoteRatio   float64   `json:"upvote_ratio"`
	ReportedTotal int       `json:"reported_total"`
	Permalink     string    `json:"permalink"`
	URL           string    `json:"url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []Item `json:"children"`
	} `json:"data"`
}

type postData struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Selftext    string  `json:"selftext"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	Permalink   string  `json:"permalink"`
	URL         string  `json:"url"`
	CreatedUTC  float64 `json:"created_utc"`
}

type commentData struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parent_id"`
	Author     string          `json:"author"`
	Body       string          `json:"body"`
	Score      int             `json:"score"`
	CreatedUTC float64         `json:"created_utc"`
	Permalink  string          `json:"permalink"`
	Replies    json.RawMessage `json:"replies"`
}

type moreData struct {
	ParentID string   `json:"parent_id"`
	Count    int      `json:"count"`
	Children []string `json:"children"`
}

// Parse decodes a [post listing, comment listing] payload. Unknown item kinds
// are skipped and counted in the forest's Diagnostics. A missing comment
// listing yields an empty forest, and an unreadable one an empty forest with
// one malformed item. Only a missing or unreadable post is an error.
func Parse(raw []byte) (PostSummary, *Forest, error) {
	var listings []json.RawMessage
	if err := json.Unmarshal(raw, &listings); err != nil {
		return PostSummary{}, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(listings) == 0 {
		return PostSummary{}, nil, fmt.Errorf("%w: empty payload", ErrMalformedResponse)
	}

	var pl listing
	if err := json.Unmarshal(listings[0], &pl); err != nil {
		return PostSummary{}, nil, fmt.Errorf("%w: post listing: %v", ErrMalformedResponse, err)
	}
	if len(pl.Data.Children) == 0 || pl.Data.Children[0].Kind != rawKindPost {
		return PostSummary{}, nil, fmt.Errorf("%w: post not found", ErrMalformedResponse)
	}
	var pd postData
	if err := json.Unmarshal(pl.Data.Children[0].Data, &pd); err != nil || pd.ID == "" {
		return PostSummary{}, nil, fmt.Errorf("%w: post data unreadable", ErrMalformedResponse)
	}
	post := PostSummary{
		ID:            pd.ID,
		Subreddit:     pd.Subreddit,
		Title:         pd.Title,
		Author:        pd.Author,
		Body:          pd.Selftext,
		Score:         pd.Score,
		UpvoteRatio:   pd.UpvoteRatio,
		ReportedTotal: pd.NumComments,
		Permalink:     pd.Permalink,
		URL:           pd.URL,
		CreatedAt:     unixTime(pd.CreatedUTC),
	}

	var (
		items []Item
		diag  Diagnostics
	)
	if len(listings) > 1 {
		var cl listing
		if err := json.Unmarshal(listings[1], &cl); err != nil {
			diag.MalformedItems++
		} else {
			items = cl.Data.Children
		}
	}
	trees, itemDiag := ParseItems(items)
	diag.Add(itemDiag)
	f := FromTrees(trees)
	f.Diagnostics.Add(diag)
	return post, f, nil
}

// ParseItems converts raw comment items into trees. Nested replies are kept;
// items of a flat batch whose parent is another item of the same batch are
// re-attached under it, preserving batch order among siblings.
func ParseItems(items []Item) ([]Tree, Diagnostics) {
	var d Diagnostics
	return decodeList(items, &d), d
}

func decodeList(items []Item, d *Diagnostics) []Tree {
	type entry struct {
		tree     Tree
		parent   string
		children []int
	}
	entries := make([]entry, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, it := range items {
		t, parent, ok := decodeItem(it, d)
		if !ok {
			continue
		}
		if t.Kind == KindComment {
			if _, seen := pos[t.Comment.ID]; seen {
				d.Duplicates++
				continue
			}
			pos[t.Comment.ID] = len(entries)
		}
		entries = append(entries, entry{tree: t, parent: parent})
	}

	var top []int
	for i := range entries {
		if p, ok := pos[entries[i].parent]; ok && p != i {
			entries[p].children = append(entries[p].children, i)
			continue
		}
		top = append(top, i)
	}

	built := make([]bool, len(entries))
	var build func(i int) Tree
	build = func(i int) Tree {
		built[i] = true
		t := entries[i].tree
		for _, c := range entries[i].children {
			t.Replies = append(t.Replies, build(c))
		}
		return t
	}
	out := make([]Tree, 0, len(top))
	for _, i := range top {
		out = append(out, build(i))
	}
	// Entries whose parents form a cycle never hang off a top-level item.
	for _, ok := range built {
		if !ok {
			d.MalformedItems++
		}
	}
	return out
}

func decodeItem(it Item, d *Diagnostics) (Tree, string, bool) {
	switch rawKind(it.Kind) {
	case KindComment:
		var cd commentData
		if err := json.Unmarshal(it.Data, &cd); err != nil || cd.ID == "" {
			d.MalformedItems++
			return Tree{}, "", false
		}
		c := Comment{
			ID:        cd.ID,
			Author:    cd.Author,
			Body:      cd.Body,
			Score:     cd.Score,
			CreatedAt: unixTime(cd.CreatedUTC),
			Permalink: cd.Permalink,
		}
		return CommentTree(c, decodeReplies(cd.Replies, d)...), bareID(cd.ParentID), true
	case KindStub:
		var md moreData
		if err := json.Unmarshal(it.Data, &md); err != nil {
			d.MalformedItems++
			return Tree{}, "", false
		}
		return StubTree(Stub{ReportedCount: md.Count, ChildIDs: md.Children}), bareID(md.ParentID), true
	default:
		d.UnknownKinds++
		return Tree{}, "", false
	}
}

// decodeReplies reads the replies field, which the API sends either as a
// listing object or as an empty string.
func decodeReplies(raw json.RawMessage, d *Diagnostics) []Tree {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var l listing
	if err := json.Unmarshal(raw, &l); err != nil {
		d.MalformedItems++
		return nil
	}
	return decodeList(l.Data.Children, d)
}

func rawKind(k string) Kind {
	switch k {
	case rawKindComment:
		return KindComment
	case rawKindMore:
		return KindStub
	default:
		return kindUnknown
	}
}

// bareID strips a "t1_"/"t3_" style type prefix.
func bareID(fullname string) string {
	if len(fullname) > 3 && fullname[0] == 't' && fullname[2] == '_' {
		return fullname[3:]
	}
	return fullname
}

// Fullname prefixes a bare comment id with "t1_" unless it already carries a
// type prefix.
func Fullname(id string) string {
	if bareID(id) != id {
		return id
	}
	return rawKindComment + "_" + id
}

func unixTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
