// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import "sync"

// NodeClass identifies what kind of node a NodeID denotes. Only the four
// type kinds below participate in the subtype lattice (spec.md §3).
type NodeClass int32

const (
	NodeClassUnspecified  NodeClass = 0
	NodeClassObject       NodeClass = 1
	NodeClassVariable     NodeClass = 2
	NodeClassMethod       NodeClass = 4
	NodeClassObjectType   NodeClass = 8
	NodeClassVariableType NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType     NodeClass = 64
	NodeClassView         NodeClass = 128
)

func isTypeClass(c NodeClass) bool {
	switch c {
	case NodeClassDataType, NodeClassObjectType, NodeClassReferenceType, NodeClassVariableType:
		return true
	default:
		return false
	}
}

// TypeProperty is a single property of a type in the type tree.
type TypeProperty struct {
	NodeID    NodeID
	NodeClass NodeClass
}

type typePropertyInverse struct {
	typeID NodeID
	path   []QualifiedName
}

// typeTreeWalkLimit bounds the upward walk in IsSubtypeOf so a malformed
// (cyclic) import can never hang the caller; the acyclicity invariant
// (spec.md §3) means a well-formed tree never approaches this.
const typeTreeWalkLimit = 1024

// TypeTree maintains the subtype lattice (HasSubtype) and type-property
// browse paths (spec.md §4.4), guarded by a reader/writer lock since it
// is read from many connections concurrently and written only during
// NodeManager registration (spec.md §5).
type TypeTree struct {
	mu sync.RWMutex

	nodes            map[any]NodeClass
	subtypesByTarget map[any]NodeID // child -> parent
	subtypesBySource map[any]map[any]NodeID
	typeProperties   map[any]map[string]TypeProperty
	propertyToType   map[any]typePropertyInverse
}

// NewTypeTree returns an empty type tree.
func NewTypeTree() *TypeTree {
	return &TypeTree{
		nodes:            make(map[any]NodeClass),
		subtypesByTarget: make(map[any]NodeID),
		subtypesBySource: make(map[any]map[any]NodeID),
		typeProperties:   make(map[any]map[string]TypeProperty),
		propertyToType:   make(map[any]typePropertyInverse),
	}
}

// AddTypeNode registers id as a subtype of parent with the given node
// class.
func (t *TypeTree) AddTypeNode(id, parent NodeID, class NodeClass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id.Key()] = class
	t.subtypesByTarget[id.Key()] = parent
	children, ok := t.subtypesBySource[parent.Key()]
	if !ok {
		children = make(map[any]NodeID)
		t.subtypesBySource[parent.Key()] = children
	}
	children[id.Key()] = id
}

// AddTypeProperty registers a property of a type reachable by browse
// path.
func (t *TypeTree) AddTypeProperty(id, typ NodeID, path []QualifiedName, class NodeClass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	props, ok := t.typeProperties[typ.Key()]
	if !ok {
		props = make(map[string]TypeProperty)
		t.typeProperties[typ.Key()] = props
	}
	key := BrowsePathKey(path)
	props[key] = TypeProperty{NodeID: id, NodeClass: class}
	t.propertyToType[id.Key()] = typePropertyInverse{typeID: typ, path: path}
}

// Remove deletes a type node or a property node, returning whether
// anything was removed.
func (t *TypeTree) Remove(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := id.Key()
	if _, ok := t.nodes[key]; ok {
		delete(t.nodes, key)
		if props, ok := t.typeProperties[key]; ok {
			for _, p := range props {
				delete(t.propertyToType, p.NodeID.Key())
			}
			delete(t.typeProperties, key)
		}
		if parent, ok := t.subtypesByTarget[key]; ok {
			delete(t.subtypesByTarget, key)
			if children, ok := t.subtypesBySource[parent.Key()]; ok {
				delete(children, key)
			}
		}
		return true
	}
	if inv, ok := t.propertyToType[key]; ok {
		delete(t.propertyToType, key)
		if props, ok := t.typeProperties[inv.typeID.Key()]; ok {
			delete(props, BrowsePathKey(inv.path))
		}
		return true
	}
	return false
}

// IsSubtypeOf returns true if child is a descendant of ancestor via a
// chain of HasSubtype references, or if child equals ancestor (spec.md
// §4.4, §8: is_subtype_of(n,n)=true). The walk is bounded to defend
// against a malformed, cyclic import.
func (t *TypeTree) IsSubtypeOf(child, ancestor NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node := child
	for i := 0; i < typeTreeWalkLimit; i++ {
		if node.Equal(ancestor) {
			return true
		}
		class, ok := t.nodes[node.Key()]
		if !ok {
			return false
		}
		if !isTypeClass(class) {
			return false
		}
		parent, ok := t.subtypesByTarget[node.Key()]
		if !ok {
			return false
		}
		node = parent
	}
	return false
}

// FindTypePropByBrowsePath looks up a property of typ by its browse
// path.
func (t *TypeTree) FindTypePropByBrowsePath(typ NodeID, path []QualifiedName) (TypeProperty, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	props, ok := t.typeProperties[typ.Key()]
	if !ok {
		return TypeProperty{}, false
	}
	p, ok := props[BrowsePathKey(path)]
	return p, ok
}

// GetAllChildren enumerates the direct and transitive subtypes of root.
func (t *TypeTree) GetAllChildren(root NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []NodeID
	var walk func(NodeID)
	visited := make(map[any]bool)
	walk = func(n NodeID) {
		children := t.subtypesBySource[n.Key()]
		for key, child := range children {
			if visited[key] {
				continue
			}
			visited[key] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(root)
	return out
}

// Get returns the node class registered for node, if any.
func (t *TypeTree) Get(node NodeID) (NodeClass, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.nodes[node.Key()]
	return c, ok
}
