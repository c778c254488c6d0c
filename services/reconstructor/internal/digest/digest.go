// Package digest renders a reconstructed discussion as indented plain text
// for downstream summarizers.
package digest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
)

// Order selects how comments are laid out.
type Order int

const (
	// Threaded prints each reply directly under its parent.
	Threaded Order = iota
	// BreadthFirst prints comments in Flatten order.
	BreadthFirst
)

func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "threaded":
		return Threaded, nil
	case "bfs", "breadth_first":
		return BreadthFirst, nil
	}
	return 0, fmt.Errorf("digest: unknown order %q", s)
}

type Options struct {
	Order Order
	// MaxBodyRunes truncates each comment body; zero keeps it whole.
	MaxBodyRunes int
}

// Write renders the post header followed by every resolved comment as
// "  "*depth + "[author] body". Newlines inside a body are folded to spaces
// so each comment stays on one line.
func Write(w io.Writer, post forest.PostSummary, f *forest.Forest, opts Options) error {
	bw := bufio.NewWriter(w)
	writeHeader(bw, post, forest.Resolved(f))

	line := func(c forest.Comment, depth int) {
		bw.WriteString(strings.Repeat("  ", depth))
		bw.WriteByte('[')
		bw.WriteString(c.Author)
		bw.WriteString("] ")
		bw.WriteString(oneLine(c.Body, opts.MaxBodyRunes))
		bw.WriteByte('\n')
	}
	switch opts.Order {
	case BreadthFirst:
		for _, c := range forest.Flatten(f) {
			line(c, c.Depth)
		}
	default:
		if f != nil {
			walk(f.Trees(), 0, line)
		}
	}
	return bw.Flush()
}

// String is Write into a string.
func String(post forest.PostSummary, f *forest.Forest, opts Options) string {
	var b strings.Builder
	_ = Write(&b, post, f, opts)
	return b.String()
}

func writeHeader(w *bufio.Writer, post forest.PostSummary, resolved int) {
	fmt.Fprintf(w, "Title: %s\n", post.Title)
	fmt.Fprintf(w, "Subreddit: r/%s\n", post.Subreddit)
	fmt.Fprintf(w, "Author: %s\n", post.Author)
	fmt.Fprintf(w, "Score: %d\n", post.Score)
	fmt.Fprintf(w, "Upvote Ratio: %s\n", strconv.FormatFloat(post.UpvoteRatio, 'f', -1, 64))
	fmt.Fprintf(w, "Number of Comments: %d\n", post.ReportedTotal)
	w.WriteString("\nPost Content:\n")
	if post.Body != "" {
		w.WriteString(post.Body)
		w.WriteByte('\n')
	}
	fmt.Fprintf(w, "\nComments (%d total):\n", resolved)
}

func walk(trees []forest.Tree, depth int, emit func(forest.Comment, int)) {
	for _, t := range trees {
		if t.Kind != forest.KindComment || t.Comment == nil {
			continue
		}
		emit(*t.Comment, depth)
		walk(t.Replies, depth+1, emit)
	}
}

func oneLine(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxRunes > 0 {
		if r := []rune(s); len(r) > maxRunes {
			return string(r[:maxRunes]) + "…"
		}
	}
	return s
}
