package forest

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse means a payload did not have the post + comment
// listing shape, so not even the post could be located.
var ErrMalformedResponse = errors.New("malformed response")

// Remote operations named in RemoteFetchError.Op.
const (
	OpFetchTree     = "fetch_tree"
	OpFetchChildren = "fetch_children"
)

// RemoteFetchError wraps a failed call to the remote content API.
type RemoteFetchError struct {
	Op     string
	PostID string
	Sort   Sort
	Err    error
}

func (e *RemoteFetchError) Error() string {
	if e.Sort != "" {
		return fmt.Sprintf("%s post=%s sort=%s: %v", e.Op, e.PostID, e.Sort, e.Err)
	}
	return fmt.Sprintf("%s post=%s: %v", e.Op, e.PostID, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }
