package node

import (
	"slices"
)

// Group is a set of nodes kept in configured (ordinal) order.
type Group []Node

// Sorted returns a copy of the group ordered by ordinal.
func (g Group) Sorted() Group {
	c := g.Copy()
	slices.SortFunc(c, func(a, b Node) int { return a.Ordinal - b.Ordinal })
	return c
}

func (g Group) Where(cond func(Node) bool) Group {
	var res Group
	for _, n := range g {
		if cond(n) {
			res = append(res, n)
		}
	}
	return res
}

func (g Group) WhereActive() Group { return g.Where(func(n Node) bool { return n.Active }) }

func (g Group) WhereDirty() Group { return g.Where(func(n Node) bool { return n.Dirty }) }

func (g Group) WhereWeighted() Group { return g.Where(func(n Node) bool { return n.Weight > 0 }) }

func (g Group) WhereNot(ids ...ID) Group {
	return g.Where(func(n Node) bool { return !slices.Contains(ids, n.ID) })
}

func (g Group) WhereIn(ids ...ID) Group {
	return g.Where(func(n Node) bool { return slices.Contains(ids, n.ID) })
}

// Intersect returns the nodes of g that are also members of other, keeping g's
// order.
func (g Group) Intersect(other Group) Group { return g.WhereIn(other.IDs()...) }

func (g Group) Get(id ID) (Node, bool) {
	for _, n := range g {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func (g Group) Contains(id ID) bool {
	_, ok := g.Get(id)
	return ok
}

// First returns the lowest-ordered node in the group.
func (g Group) First() (Node, bool) {
	if len(g) == 0 {
		return Node{}, false
	}
	first := g[0]
	for _, n := range g[1:] {
		if n.Ordinal < first.Ordinal {
			first = n
		}
	}
	return first, true
}

func (g Group) IDs() []ID {
	ids := make([]ID, len(g))
	for i, n := range g {
		ids[i] = n.ID
	}
	return ids
}

func (g Group) Copy() Group {
	if g == nil {
		return nil
	}
	return slices.Clone(g)
}
