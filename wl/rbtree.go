package wl

// rbtree is a red-black tree ordered by (EC, Pnum), used for the free/used/
// scrub PEB sets (spec §9): both ends are queried (min for get_peb/victim
// selection, max for wear-skew checks) and entries move between trees
// frequently, each requiring O(log n) removal by identity. Spec §9 rules
// out a heap pair for exactly this reason — no pack dependency supplies an
// order-statistic tree, so this is hand-written (see DESIGN.md).
type color bool

const (
	red   color = true
	black color = false
)

type rbnode struct {
	entry               *Entry
	color               color
	left, right, parent *rbnode
}

type rbtree struct {
	root *rbnode
	size int
}

func less(a, b *Entry) bool {
	if a.EC != b.EC {
		return a.EC < b.EC
	}
	return a.Pnum < b.Pnum
}

func (t *rbtree) Len() int { return t.size }

// Insert adds e to the tree and records the owning node on e.node so a
// later Delete(e) is O(log n) without a fresh search.
func (t *rbtree) Insert(e *Entry) {
	n := &rbnode{entry: e, color: red}
	e.node = n

	var parent *rbnode
	cur := t.root
	for cur != nil {
		parent = cur
		if less(e, cur.entry) {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	n.parent = parent
	switch {
	case parent == nil:
		t.root = n
	case less(e, parent.entry):
		parent.left = n
	default:
		parent.right = n
	}
	t.size++
	t.insertFixup(n)
}

func (t *rbtree) insertFixup(z *rbnode) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			y := gp.right
			if nodeColor(y) == red {
				z.parent.color = black
				y.color = black
				gp.color = red
				z = gp
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.color = black
				gp.color = red
				t.rotateRight(gp)
			}
		} else {
			y := gp.left
			if nodeColor(y) == red {
				z.parent.color = black
				y.color = black
				gp.color = red
				z = gp
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.color = black
				gp.color = red
				t.rotateLeft(gp)
			}
		}
	}
	t.root.color = black
}

func nodeColor(n *rbnode) color {
	if n == nil {
		return black
	}
	return n.color
}

func (t *rbtree) rotateLeft(x *rbnode) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *rbtree) rotateRight(x *rbnode) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// Delete removes e from the tree. e must currently be a member (e.node set
// by a prior Insert on this tree).
func (t *rbtree) Delete(e *Entry) {
	z := e.node
	if z == nil {
		return
	}
	y := z
	yOrigColor := y.color
	var x, xParent *rbnode

	switch {
	case z.left == nil:
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	case z.right == nil:
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	default:
		y = treeMin(z.right)
		yOrigColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}
	if yOrigColor == black {
		t.deleteFixup(x, xParent)
	}
	t.size--
	e.node = nil
}

func (t *rbtree) transplant(u, v *rbnode) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func treeMin(n *rbnode) *rbnode {
	for n.left != nil {
		n = n.left
	}
	return n
}

func treeMax(n *rbnode) *rbnode {
	for n.right != nil {
		n = n.right
	}
	return n
}

func (t *rbtree) deleteFixup(x, parent *rbnode) {
	for x != t.root && nodeColor(x) == black {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if nodeColor(w) == red {
				w.color = black
				parent.color = red
				t.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if nodeColor(w.left) == black && nodeColor(w.right) == black {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if nodeColor(w.right) == black {
					if w.left != nil {
						w.left.color = black
					}
					w.color = red
					t.rotateRight(w)
					w = parent.right
				}
				w.color = parent.color
				parent.color = black
				if w.right != nil {
					w.right.color = black
				}
				t.rotateLeft(parent)
				x = t.root
				parent = nil
			}
		} else {
			w := parent.left
			if nodeColor(w) == red {
				w.color = black
				parent.color = red
				t.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if nodeColor(w.right) == black && nodeColor(w.left) == black {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if nodeColor(w.left) == black {
					if w.right != nil {
						w.right.color = black
					}
					w.color = red
					t.rotateLeft(w)
					w = parent.left
				}
				w.color = parent.color
				parent.color = black
				if w.left != nil {
					w.left.color = black
				}
				t.rotateRight(parent)
				x = t.root
				parent = nil
			}
		}
	}
	if x != nil {
		x.color = black
	}
}

// Min returns the entry with the lowest (EC, Pnum), or nil if empty.
func (t *rbtree) Min() *Entry {
	if t.root == nil {
		return nil
	}
	return treeMin(t.root).entry
}

// Max returns the entry with the highest (EC, Pnum), or nil if empty.
func (t *rbtree) Max() *Entry {
	if t.root == nil {
		return nil
	}
	return treeMax(t.root).entry
}

// Each calls f for every entry in ascending (EC, Pnum) order.
func (t *rbtree) Each(f func(*Entry)) {
	var walk func(*rbnode)
	walk = func(n *rbnode) {
		if n == nil {
			return
		}
		walk(n.left)
		f(n.entry)
		walk(n.right)
	}
	walk(t.root)
}
