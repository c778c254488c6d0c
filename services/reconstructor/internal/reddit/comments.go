package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/threadrecon/services/reconstructor/internal/expand"
	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

var (
	_ recon.TreeFetcher      = (*Client)(nil)
	_ expand.ChildrenFetcher = (*Client)(nil)
)

// ErrInvalidPostRef means a post reference was neither a post URL nor an id.
var ErrInvalidPostRef = errors.New("invalid post reference")

var postIDPattern = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

// ParsePostRef accepts a bare post id, a t3_ fullname, a reddit.com comments
// URL (optionally ending in .json) or a redd.it short link.
func ParsePostRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrInvalidPostRef
	}
	if id := strings.TrimPrefix(strings.ToLower(ref), "t3_"); postIDPattern.MatchString(id) {
		return id, nil
	}

	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPostRef, ref)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })

	var id string
	switch {
	case host == "redd.it" && len(segs) > 0:
		id = segs[0]
	case host == "reddit.com" || strings.HasSuffix(host, ".reddit.com"):
		for i, s := range segs {
			if s == "comments" && i+1 < len(segs) {
				id = segs[i+1]
				break
			}
		}
	}
	id = strings.TrimSuffix(strings.ToLower(id), ".json")
	if !postIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPostRef, ref)
	}
	return id, nil
}

// TreeURL is the comments endpoint for q.
func (c *Client) TreeURL(postID string, q forest.Query) string {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("depth", strconv.Itoa(q.Depth))
	if q.Sort != "" {
		v.Set("sort", string(q.Sort))
	}
	if q.ShowMore {
		v.Set("showmore", "true")
	}
	v.Set("raw_json", "1")
	return c.BaseURL + "/comments/" + url.PathEscape(postID) + ".json?" + v.Encode()
}

// ChildrenURL is the morechildren endpoint for one continuation.
func (c *Client) ChildrenURL(postID string, childIDs []string) string {
	names := make([]string, len(childIDs))
	for i, id := range childIDs {
		names[i] = forest.Fullname(id)
	}
	v := url.Values{}
	v.Set("link_id", "t3_"+postID)
	v.Set("children", strings.Join(names, ","))
	v.Set("limit_children", "false")
	v.Set("api_type", "json")
	v.Set("raw_json", "1")
	return c.BaseURL + "/api/morechildren.json?" + v.Encode()
}

// FetchTree returns the raw [post, comments] payload for one query.
func (c *Client) FetchTree(ctx context.Context, postRef string, q forest.Query) ([]byte, error) {
	id, err := ParsePostRef(postRef)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, c.TreeURL(id, q))
}

type moreChildrenResponse struct {
	JSON struct {
		Errors []json.RawMessage `json:"errors"`
		Data   struct {
			Things []forest.Item `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

// FetchChildren resolves one continuation's ids in a single call. The items
// come back flat; callers re-thread them by parent id.
func (c *Client) FetchChildren(ctx context.Context, postID string, childIDs []string) ([]forest.Item, error) {
	if len(childIDs) == 0 {
		return nil, nil
	}
	b, err := c.get(ctx, c.ChildrenURL(postID, childIDs))
	if err != nil {
		return nil, err
	}
	var out moreChildrenResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("reddit: decode morechildren: %w body=%q", err, string(b[:min(len(b), 200)]))
	}
	if len(out.JSON.Errors) > 0 {
		return nil, fmt.Errorf("reddit: morechildren rejected: %s", out.JSON.Errors[0])
	}
	return out.JSON.Data.Things, nil
}
