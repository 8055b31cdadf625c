package notes

import (
	"context"
	"sort"
)

// TreeNode is a notes node with its resolved children.
type TreeNode struct {
	*Node
	Children []*TreeNode
}

// Tree loads a whole section flat and reconstructs parent→children links in
// memory. No recursive SQL: one query, one linking pass, so the query shape
// stays simple and portable. Nodes whose parent row is missing (an
// interrupted import) surface as roots rather than disappearing.
func (s *Store) Tree(ctx context.Context, section string) ([]*TreeNode, error) {
	flat, err := s.NodesBySection(ctx, section)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*TreeNode, len(flat))
	for _, n := range flat {
		byID[n.ID] = &TreeNode{Node: n}
	}

	var roots []*TreeNode
	for _, n := range flat {
		tn := byID[n.ID]
		if n.ParentID.Valid {
			if parent, ok := byID[n.ParentID.String]; ok {
				parent.Children = append(parent.Children, tn)
				continue
			}
		}
		roots = append(roots, tn)
	}

	var sortChildren func(nodes []*TreeNode)
	sortChildren = func(nodes []*TreeNode) {
		sort.SliceStable(nodes, func(i, j int) bool {
			if nodes[i].SortOrder != nodes[j].SortOrder {
				return nodes[i].SortOrder < nodes[j].SortOrder
			}
			return nodes[i].Title < nodes[j].Title
		})
		for _, n := range nodes {
			sortChildren(n.Children)
		}
	}
	sortChildren(roots)

	return roots, nil
}
