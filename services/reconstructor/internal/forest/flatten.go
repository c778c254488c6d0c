package forest

// Flatten walks f breadth first: roots in forest order, then each node's
// children in server order as it is dequeued. Stubs still present are not
// emitted. Depth on every returned comment comes from the walk itself.
func Flatten(f *Forest) []Comment {
	if f == nil {
		return nil
	}
	type queued struct {
		ref   Ref
		depth int
	}
	queue := make([]queued, 0, len(f.nodes))
	for _, r := range f.roots {
		queue = append(queue, queued{ref: r})
	}

	out := make([]Comment, 0, len(f.nodes))
	for head := 0; head < len(queue); head++ {
		q := queue[head]
		n := &f.nodes[q.ref]
		if n.kind != KindComment {
			continue
		}
		c := n.comment
		c.Depth = q.depth
		out = append(out, c)
		for _, child := range n.children {
			queue = append(queue, queued{ref: child, depth: q.depth + 1})
		}
	}
	return out
}

// Resolved is the number of comments Flatten would emit.
func Resolved(f *Forest) int {
	if f == nil {
		return 0
	}
	return f.CommentCount()
}
