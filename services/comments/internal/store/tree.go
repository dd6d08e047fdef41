package store

import (
	"sort"
)

// buildTree assembles nodes from a flat row set. roots are returned newest
// first and replies oldest first; rows whose parent is missing from the set
// are dropped.
func buildTree(rows []Comment, isRoot func(Comment) bool) []Node {
	children := make(map[string][]Comment)
	var roots []Comment
	for _, c := range rows {
		if isRoot(c) {
			roots = append(roots, c)
			continue
		}
		if c.ParentID != nil {
			children[*c.ParentID] = append(children[*c.ParentID], c)
		}
	}
	for k := range children {
		sortOldestFirst(children[k])
	}
	sortNewestFirst(roots)

	out := make([]Node, 0, len(roots))
	for _, r := range roots {
		out = append(out, attach(r, children))
	}
	return out
}

func attach(c Comment, children map[string][]Comment) Node {
	n := Node{Comment: c, Replies: []Node{}}
	for _, child := range children[c.ID] {
		n.Replies = append(n.Replies, attach(child, children))
	}
	return n
}

func sortNewestFirst(cs []Comment) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		}
		return cs[i].ID > cs[j].ID
	})
}

func sortOldestFirst(cs []Comment) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
