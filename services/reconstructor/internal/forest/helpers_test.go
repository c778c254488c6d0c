package forest

import (
	"encoding/json"
	"testing"
)

func listingOf(items ...map[string]any) map[string]any {
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{"kind": "Listing", "data": map[string]any{"children": items}}
}

func postItem(id string, numComments int) map[string]any {
	return map[string]any{"kind": "t3", "data": map[string]any{
		"id":           id,
		"subreddit":    "golang",
		"title":        "Title " + id,
		"author":       "op",
		"selftext":     "self text",
		"score":        120,
		"upvote_ratio": 0.93,
		"num_comments": numComments,
		"permalink":    "/r/golang/comments/" + id + "/title/",
		"created_utc":  1700000000.0,
	}}
}

func commentItem(id, parent string, replies ...map[string]any) map[string]any {
	data := map[string]any{
		"id":          id,
		"parent_id":   parent,
		"author":      "u_" + id,
		"body":        "body " + id,
		"score":       3,
		"created_utc": 1700000100.5,
		"replies":     "",
	}
	if len(replies) > 0 {
		data["replies"] = listingOf(replies...)
	}
	return map[string]any{"kind": "t1", "data": data}
}

func moreItem(parent string, count int, children ...string) map[string]any {
	return map[string]any{"kind": "more", "data": map[string]any{
		"id":        "_",
		"parent_id": parent,
		"count":     count,
		"children":  children,
	}}
}

func payload(t *testing.T, post map[string]any, comments ...map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal([]any{listingOf(post), listingOf(comments...)})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func rawItems(t *testing.T, items ...map[string]any) []Item {
	t.Helper()
	b, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal items: %v", err)
	}
	var out []Item
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal items: %v", err)
	}
	return out
}

func ids(cs []Comment) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func c(id string, replies ...Tree) Tree {
	return CommentTree(Comment{ID: id, Author: "u_" + id, Body: "body " + id}, replies...)
}

func stub(count int, children ...string) Tree {
	return StubTree(Stub{ReportedCount: count, ChildIDs: children})
}
