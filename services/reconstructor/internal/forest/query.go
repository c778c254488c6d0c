package forest

import (
	"fmt"
	"strings"
)

// Sort is a server-side ordering of the initial comment tree.
type Sort string

const (
	SortTop           Sort = "top"
	SortBest          Sort = "best"
	SortNew           Sort = "new"
	SortControversial Sort = "controversial"
	SortOld           Sort = "old"
	SortQA            Sort = "qa"
)

// ParseSort accepts the orderings the comments endpoint understands.
func ParseSort(s string) (Sort, error) {
	switch v := Sort(strings.ToLower(strings.TrimSpace(s))); v {
	case SortTop, SortBest, SortNew, SortControversial, SortOld, SortQA:
		return v, nil
	default:
		return "", fmt.Errorf("unknown sort %q", s)
	}
}

// Query is one paginated request for a post's initial tree. ShowMore asks
// the server to emit continuation items for truncated branches.
type Query struct {
	Sort     Sort `json:"sort"`
	Depth    int  `json:"depth"`
	Limit    int  `json:"limit"`
	ShowMore bool `json:"show_more"`
}

func (q Query) String() string {
	return fmt.Sprintf("sort=%s depth=%d limit=%d showmore=%t", q.Sort, q.Depth, q.Limit, q.ShowMore)
}
