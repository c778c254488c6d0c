// Package forest holds the in-memory model of a partially resolved comment
// forest: resolved comments, continuation stubs and the parent/child links
// between them.
//
// Nodes live in an arena addressed by Ref. Children are stored as Ref lists,
// so replacing a stub is an indexed splice rather than pointer surgery.
package forest

import (
	"fmt"
	"time"
)

// Kind tags a node. Only comments and stubs are ever stored; raw items of any
// other kind are dropped during parsing.
type Kind uint8

const (
	kindUnknown Kind = iota
	KindComment
	KindStub
)

func (k Kind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindStub:
		return "stub"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k != KindComment && k != KindStub {
		return nil, fmt.Errorf("forest: cannot marshal kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "comment":
		*k = KindComment
	case "stub":
		*k = KindStub
	default:
		return fmt.Errorf("forest: unknown kind %q", string(b))
	}
	return nil
}

// Ref addresses a node inside one Forest. Refs are never reused.
type Ref int32

// NoRef is the parent of every root.
const NoRef Ref = -1

// Comment is a resolved discussion entry.
type Comment struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	Depth     int       `json:"depth"`
	Permalink string    `json:"permalink,omitempty"`
}

// Stub stands in for children the server did not return inline.
// ParentID is empty for top-level stubs.
type Stub struct {
	ParentID      string   `json:"parent_id,omitempty"`
	ReportedCount int      `json:"reported_count"`
	ChildIDs      []string `json:"child_ids"`
}

// Tree is a detached, value-typed subtree. Parsers produce Trees and
// Replace consumes them.
type Tree struct {
	Kind    Kind     `json:"kind"`
	Comment *Comment `json:"comment,omitempty"`
	Stub    *Stub    `json:"stub,omitempty"`
	Replies []Tree   `json:"replies,omitempty"`
}

// CommentTree wraps c as a comment Tree with the given replies.
func CommentTree(c Comment, replies ...Tree) Tree {
	return Tree{Kind: KindComment, Comment: &c, Replies: replies}
}

// StubTree wraps s as a stub Tree.
func StubTree(s Stub) Tree {
	return Tree{Kind: KindStub, Stub: &s}
}

// Diagnostics counts input the parser or the forest chose not to keep.
type Diagnostics struct {
	UnknownKinds   int `json:"unknown_kinds"`
	MalformedItems int `json:"malformed_items"`
	EmptyStubs     int `json:"empty_stubs"`
	Duplicates     int `json:"duplicates"`
}

// Add accumulates o into d.
func (d *Diagnostics) Add(o Diagnostics) {
	d.UnknownKinds += o.UnknownKinds
	d.MalformedItems += o.MalformedItems
	d.EmptyStubs += o.EmptyStubs
	d.Duplicates += o.Duplicates
}

type node struct {
	kind     Kind
	comment  Comment
	stub     Stub
	parent   Ref
	children []Ref
	depth    int
	replaced bool
}

// Forest is the ordered set of root threads for one post.
// A Forest is not safe for concurrent mutation.
type Forest struct {
	nodes []node
	roots []Ref
	index map[string]Ref

	Diagnostics Diagnostics
}

// New returns an empty forest.
func New() *Forest {
	return &Forest{index: make(map[string]Ref)}
}

// FromTrees builds a forest whose roots are trees, in order.
func FromTrees(trees []Tree) *Forest {
	f := New()
	for _, t := range trees {
		if r, ok := f.insert(t, NoRef, 0); ok {
			f.roots = append(f.roots, r)
		}
	}
	return f
}

func (f *Forest) valid(r Ref) bool {
	return r >= 0 && int(r) < len(f.nodes)
}

// Roots returns the root refs in forest order.
func (f *Forest) Roots() []Ref {
	return append([]Ref(nil), f.roots...)
}

// Kind reports the kind of r, or the zero Kind for an unknown ref.
func (f *Forest) Kind(r Ref) Kind {
	if !f.valid(r) {
		return kindUnknown
	}
	return f.nodes[r].kind
}

// Comment returns the comment stored at r.
func (f *Forest) Comment(r Ref) (Comment, bool) {
	if !f.valid(r) || f.nodes[r].kind != KindComment {
		return Comment{}, false
	}
	c := f.nodes[r].comment
	c.Depth = f.nodes[r].depth
	return c, true
}

// Stub returns the stub stored at r. Stubs that were already replaced are
// reported as absent.
func (f *Forest) Stub(r Ref) (Stub, bool) {
	if !f.valid(r) || f.nodes[r].kind != KindStub || f.nodes[r].replaced {
		return Stub{}, false
	}
	return f.nodes[r].stub, true
}

// Children returns the child refs of r in server order.
func (f *Forest) Children(r Ref) []Ref {
	if !f.valid(r) {
		return nil
	}
	return append([]Ref(nil), f.nodes[r].children...)
}

// Parent returns the parent of r, or NoRef for roots.
func (f *Forest) Parent(r Ref) Ref {
	if !f.valid(r) {
		return NoRef
	}
	return f.nodes[r].parent
}

// Depth returns the stored depth of r.
func (f *Forest) Depth(r Ref) int {
	if !f.valid(r) {
		return -1
	}
	return f.nodes[r].depth
}

// Lookup finds a comment by id.
func (f *Forest) Lookup(id string) (Ref, bool) {
	r, ok := f.index[id]
	return r, ok
}

// Stubs lists every unresolved stub in depth-first pre-order.
func (f *Forest) Stubs() []Ref {
	return f.StubsUnder(f.roots)
}

// StubsUnder lists the unresolved stubs reachable from refs, depth first.
func (f *Forest) StubsUnder(refs []Ref) []Ref {
	var out []Ref
	var walk func(r Ref)
	walk = func(r Ref) {
		n := &f.nodes[r]
		switch n.kind {
		case KindStub:
			if !n.replaced {
				out = append(out, r)
			}
		case KindComment:
			for _, c := range n.children {
				walk(c)
			}
		}
	}
	for _, r := range refs {
		if f.valid(r) {
			walk(r)
		}
	}
	return out
}

// CommentCount is the number of comments reachable from the roots.
func (f *Forest) CommentCount() int {
	n := 0
	var walk func(r Ref)
	walk = func(r Ref) {
		if f.nodes[r].kind != KindComment {
			return
		}
		n++
		for _, c := range f.nodes[r].children {
			walk(c)
		}
	}
	for _, r := range f.roots {
		walk(r)
	}
	return n
}

// Trees exports the forest as detached trees, stubs included.
func (f *Forest) Trees() []Tree {
	var build func(r Ref) Tree
	build = func(r Ref) Tree {
		n := f.nodes[r]
		switch n.kind {
		case KindStub:
			s := n.stub
			s.ChildIDs = append([]string(nil), s.ChildIDs...)
			return StubTree(s)
		default:
			c := n.comment
			c.Depth = n.depth
			t := CommentTree(c)
			for _, ch := range n.children {
				t.Replies = append(t.Replies, build(ch))
			}
			return t
		}
	}
	out := make([]Tree, 0, len(f.roots))
	for _, r := range f.roots {
		out = append(out, build(r))
	}
	return out
}

// Replace swaps the stub at ref for trees, at the exact sibling position the
// stub held. Inserted nodes take their depth from the stub's depth. Comments
// whose id is already present are dropped along with their replies.
//
// ok is false when ref is not a live stub, which makes a repeated call with
// the same stub a no-op.
func (f *Forest) Replace(ref Ref, trees []Tree) (inserted []Ref, ok bool) {
	if !f.valid(ref) {
		return nil, false
	}
	stub := &f.nodes[ref]
	if stub.kind != KindStub || stub.replaced {
		return nil, false
	}
	parent, depth := stub.parent, stub.depth

	for _, t := range trees {
		if r, ok := f.insert(t, parent, depth); ok {
			inserted = append(inserted, r)
		}
	}
	f.nodes[ref].replaced = true

	siblings := f.roots
	if parent != NoRef {
		siblings = f.nodes[parent].children
	}
	spliced := make([]Ref, 0, len(siblings)-1+len(inserted))
	for _, s := range siblings {
		if s == ref {
			spliced = append(spliced, inserted...)
			continue
		}
		spliced = append(spliced, s)
	}
	if parent == NoRef {
		f.roots = spliced
	} else {
		f.nodes[parent].children = spliced
	}
	return inserted, true
}

func (f *Forest) insert(t Tree, parent Ref, depth int) (Ref, bool) {
	var n node
	switch t.Kind {
	case KindComment:
		if t.Comment == nil {
			f.Diagnostics.MalformedItems++
			return NoRef, false
		}
		if _, dup := f.index[t.Comment.ID]; dup {
			f.Diagnostics.Duplicates++
			return NoRef, false
		}
		n = node{kind: KindComment, comment: *t.Comment}
	case KindStub:
		if t.Stub == nil || len(t.Stub.ChildIDs) == 0 {
			f.Diagnostics.EmptyStubs++
			return NoRef, false
		}
		s := *t.Stub
		s.ChildIDs = append([]string(nil), s.ChildIDs...)
		n = node{kind: KindStub, stub: s}
	default:
		f.Diagnostics.UnknownKinds++
		return NoRef, false
	}
	n.parent = parent
	n.depth = depth
	parentID := ""
	if parent != NoRef {
		parentID = f.nodes[parent].comment.ID
	}
	switch n.kind {
	case KindComment:
		n.comment.ParentID = parentID
		n.comment.Depth = depth
	case KindStub:
		n.stub.ParentID = parentID
	}

	ref := Ref(len(f.nodes))
	f.nodes = append(f.nodes, n)
	if n.kind == KindComment {
		f.index[n.comment.ID] = ref
		children := make([]Ref, 0, len(t.Replies))
		for _, child := range t.Replies {
			if cr, ok := f.insert(child, ref, depth+1); ok {
				children = append(children, cr)
			}
		}
		f.nodes[ref].children = children
	}
	return ref, true
}
