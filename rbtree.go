package cspz

import "math"

// rbtree.go implements the ordered integer-keyed map the allocator uses to
// index free spans by page count. It is a classic red-black tree with a
// sentinel leaf standing in for nil, which keeps rotations branch-free.

type rbtreeNode struct {
	key    int
	value  any
	isRed  bool
	left   *rbtreeNode
	right  *rbtreeNode
	father *rbtreeNode
}

type rbtree struct {
	root   *rbtreeNode
	sentry *rbtreeNode
	nnodes int
}

func newRBTreeNode(key int, sentry *rbtreeNode) *rbtreeNode {
	return &rbtreeNode{
		key:    key,
		isRed:  true,
		left:   sentry,
		right:  sentry,
		father: sentry,
	}
}

// Rotate left the subtree rooted at node.
//
//	  B                D
//	 / \              / \
//	A   D     ->     B   E
//	   / \          / \
//	  C   E        A   C
func rbtreeRotateLeft(node *rbtreeNode) *rbtreeNode {
	right, father := node.right, node.father
	node.right = right.left
	right.left.father = node
	right.left = node
	node.father = right
	right.father = father
	return right
}

// Rotate right the subtree rooted at node.
//
//	    D            B
//	   / \          / \
//	  B   E   ->   A   D
//	 / \              / \
//	A   C            C   E
func rbtreeRotateRight(node *rbtreeNode) *rbtreeNode {
	left, father := node.left, node.father
	node.left = left.right
	left.right.father = node
	left.right = node
	node.father = left
	left.father = father
	return left
}

func newRBTree() *rbtree {
	sentry := &rbtreeNode{key: math.MinInt}
	sentry.left, sentry.right = sentry, sentry
	return &rbtree{root: sentry, sentry: sentry}
}

// find returns the node whose key equals key, or nil.
func (t *rbtree) find(key int) *rbtreeNode {
	node := t.root
	for node != t.sentry {
		if key == node.key {
			return node
		}
		if key < node.key {
			node = node.left
		} else {
			node = node.right
		}
	}
	return nil
}

// findGTE returns the node with the smallest key greater than or equal to
// key, or nil.
func (t *rbtree) findGTE(key int) *rbtreeNode {
	node, greater := t.root, (*rbtreeNode)(nil)
	for node != t.sentry {
		if key == node.key {
			return node
		}
		if key < node.key {
			greater = node
			node = node.left
		} else {
			node = node.right
		}
	}
	return greater
}

// insert adds key to the tree and returns the inserted node, or the existing
// node when the key is already present.
func (t *rbtree) insert(key int) *rbtreeNode {
	node, father := &t.root, t.sentry
	for *node != t.sentry {
		if key == (*node).key {
			return *node
		}
		father = *node
		if key < (*node).key {
			node = &(*node).left
		} else {
			node = &(*node).right
		}
	}

	newNode := newRBTreeNode(key, t.sentry)
	*node = newNode
	newNode.father = father
	curr := newNode
	t.nnodes++

	for father != t.sentry {
		// A black father means the insert extended a 3-node; done.
		if !father.isRed {
			return newNode
		}

		// The grand must be black since the father is red.
		grand := father.father

		// A red uncle means a 5-node; split by flipping colors and continue
		// from the grand.
		var uncle *rbtreeNode
		if grand.left == father {
			uncle = grand.right
		} else {
			uncle = grand.left
		}
		if uncle.isRed {
			father.isRed = false
			uncle.isRed = false
			grand.isRed = true

			curr = grand
			father = curr.father
			continue
		}

		// Otherwise it is a 4-node; fix with one or two rotations.
		if grand.left == father {
			if father.right == curr {
				grand.left = rbtreeRotateLeft(father)
			}
			curr = rbtreeRotateRight(grand)
		} else {
			if father.left == curr {
				grand.right = rbtreeRotateRight(father)
			}
			curr = rbtreeRotateLeft(grand)
		}

		grand.isRed = true
		curr.isRed = false

		// Link the original grand's father to the rotated subtree root.
		father = curr.father
		if father == t.sentry {
			t.root = curr
		} else if father.left == grand {
			father.left = curr
		} else {
			father.right = curr
		}
		return newNode
	}

	// The root is always black.
	t.root.isRed = false
	return newNode
}

// delete removes node from the tree. When the deleted position was filled by
// copying the successor's key and value into another node, that node is
// returned so callers can fix external references to it.
func (t *rbtree) delete(node *rbtreeNode) *rbtreeNode {
	var ret *rbtreeNode

	// With two children, copy the successor's key and value here and delete
	// the successor instead, so the removed node always has at most one child.
	if node.left != t.sentry && node.right != t.sentry {
		succ := node.right
		for succ.left != t.sentry {
			succ = succ.left
		}
		node.key = succ.key
		node.value = succ.value
		ret = node
		node = succ
	}

	father := node.father
	next := node.left
	if next == t.sentry {
		next = node.right
	}
	next.father = father

	// A red node or red child means a 3/4-node; removing cannot underflow.
	is3or4Node := node.isRed || next.isRed
	next.isRed = false

	t.nnodes--

	if father == t.sentry {
		t.root = next
		return ret
	}
	if father.left == node {
		father.left = next
	} else {
		father.right = next
	}

	if is3or4Node {
		return ret
	}

	// The deleted node was a 2-node; rebalance upward.
	for father != t.sentry {
		var sibling *rbtreeNode
		if father.left == next {
			if !father.right.isRed {
				sibling = father.right
				if !sibling.left.isRed && !sibling.right.isRed {
					// Sibling is a 2-node: merge with the father. A red
					// father absorbs it; a black one underflows, continue up.
					sibling.isRed = true
					if father.isRed {
						father.isRed = false
						return ret
					}
					next = father
					father = next.father
					continue
				}
				if sibling.left.isRed {
					father.right = rbtreeRotateRight(father.right)
				} else {
					sibling.right.isRed = false
				}
			} else {
				sibling = father.right.left
				if !sibling.left.isRed && !sibling.right.isRed {
					sibling.isRed = true
				} else {
					if sibling.left.isRed {
						father.right.left = rbtreeRotateRight(sibling)
					} else {
						sibling.right.isRed = false
					}
					father.right = rbtreeRotateRight(father.right)
				}
			}
			next = rbtreeRotateLeft(father)
		} else {
			// Symmetrical case.
			if !father.left.isRed {
				sibling = father.left
				if !sibling.right.isRed && !sibling.left.isRed {
					sibling.isRed = true
					if father.isRed {
						father.isRed = false
						return ret
					}
					next = father
					father = next.father
					continue
				}
				if sibling.right.isRed {
					father.left = rbtreeRotateLeft(father.left)
				} else {
					sibling.left.isRed = false
				}
			} else {
				sibling = father.left.right
				if !sibling.right.isRed && !sibling.left.isRed {
					sibling.isRed = true
				} else {
					if sibling.right.isRed {
						father.left.right = rbtreeRotateLeft(sibling)
					} else {
						sibling.left.isRed = false
					}
					father.left = rbtreeRotateLeft(father.left)
				}
			}
			next = rbtreeRotateRight(father)
		}

		next.isRed = father.isRed
		father.isRed = false

		if next.father == t.sentry {
			t.root = next
		} else if next.father.left == father {
			next.father.left = next
		} else {
			next.father.right = next
		}
		return ret
	}
	return ret
}

// allNodes appends every node in key order and returns the slice.
func (t *rbtree) allNodes(nodes []*rbtreeNode) []*rbtreeNode {
	if t.nnodes == 0 {
		return nodes
	}

	var stack []*rbtreeNode
	root := t.root
	for root != t.sentry || len(stack) > 0 {
		if root != t.sentry {
			stack = append(stack, root)
			root = root.left
		} else {
			root = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			nodes = append(nodes, root)
			root = root.right
		}
	}
	return nodes
}
