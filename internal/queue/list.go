// Package queue provides an intrusive doubly-linked list: the link
// fields live inside the node itself so pushing and removing never
// allocates. Requests embed a Node and hand it, plus a back-pointer to
// themselves, to whichever List owns them at the time.
package queue

// Node is the embeddable link. Zero value is an unlinked node.
type Node struct {
	next, prev *Node
	list       *List
	Owner      any
}

// Linked reports whether the node currently belongs to a List.
func (n *Node) Linked() bool { return n.list != nil }

// List is a doubly-linked list of Nodes. The zero value is an empty list.
type List struct {
	head, tail *Node
	size       int
}

// PushBack appends n to the list. n must not already belong to a list.
func (l *List) PushBack(n *Node) {
	if n.list != nil {
		panic("queue: node already linked")
	}
	n.list = l
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.size++
}

// Remove removes n from the list if it is currently linked to l.
// It reports whether a removal happened. O(1).
func (l *List) Remove(n *Node) bool {
	if n.list != l {
		return false
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.next, n.prev, n.list = nil, nil, nil
	l.size--
	return true
}

// PopFront removes and returns the first node, or nil if the list is empty.
func (l *List) PopFront() *Node {
	n := l.head
	if n == nil {
		return nil
	}
	l.Remove(n)
	return n
}

// Front returns the first node without removing it, or nil.
func (l *List) Front() *Node { return l.head }

// Contains reports whether n is currently linked on l.
func (l *List) Contains(n *Node) bool { return n.list == l }

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool { return l.head == nil }

// Len returns the number of linked nodes.
func (l *List) Len() int { return l.size }

// ForEach calls fn for every node currently in the list, in order.
// fn must not mutate the list it is iterating.
func (l *List) ForEach(fn func(*Node)) {
	for n := l.head; n != nil; n = n.next {
		fn(n)
	}
}

// DrainTo removes every node from l and calls fn for each, in order.
// Unlike ForEach, fn may freely re-link the node elsewhere (including
// back onto l) because the node is unlinked before fn runs.
func (l *List) DrainTo(fn func(*Node)) {
	for {
		n := l.PopFront()
		if n == nil {
			return
		}
		fn(n)
	}
}
