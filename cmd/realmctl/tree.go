// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/bureau-foundation/realm/lib/moniker"
	"github.com/bureau-foundation/realm/lib/realm"
)

// instanceNode is one instance of a tree walk.
type instanceNode struct {
	Moniker  moniker.Moniker `json:"moniker"`
	URL      string          `json:"url"`
	State    realm.State     `json:"state"`
	Children []instanceNode  `json:"children,omitempty"`
}

// walk lists the instances below target. Only target itself is
// resolved; the walk does not descend into children that are not yet
// resolved, so it leaves the rest of the tree untouched.
func (a *app) walk(target moniker.Moniker, depth int) (instanceNode, error) {
	client := a.client()
	children, err := client.ListChildren(a.ctx, target)
	if err != nil {
		return instanceNode{}, err
	}
	info, err := client.Show(a.ctx, target)
	if err != nil {
		return instanceNode{}, err
	}
	node := instanceNode{Moniker: target, URL: info.URL, State: info.State}

	for _, child := range children {
		childNode := instanceNode{Moniker: child.Moniker, URL: child.URL, State: child.State}
		descend := depth != 1 && child.State != realm.StateNew && child.State != realm.StateDiscovered
		if descend {
			childNode, err = a.walk(child.Moniker, max(depth-1, 0))
			if err != nil {
				return instanceNode{}, err
			}
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

func (s *styles) instanceTree(node instanceNode) *tree.Tree {
	root := tree.Root(s.instanceLabel(node, node.Moniker.String())).Enumerator(tree.RoundedEnumerator)
	s.addChildren(root, node)
	return root
}

func (s *styles) addChildren(parent *tree.Tree, node instanceNode) {
	for _, child := range node.Children {
		segment, _ := child.Moniker.Leaf()
		label := s.instanceLabel(child, segment.String())
		if len(child.Children) == 0 {
			parent.Child(label)
			continue
		}
		subtree := tree.Root(label)
		s.addChildren(subtree, child)
		parent.Child(subtree)
	}
}

func (s *styles) instanceLabel(node instanceNode, name string) string {
	return s.moniker.Render(name) + " " + s.state(node.State) + " " + s.faint.Render(node.URL)
}
