// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"testing"

	"gotest.tools/assert"
)

func TestTypeTreeIsSubtypeOfReflexive(t *testing.T) {
	tree := NewTypeTree()
	base := NewNumericNodeID(0, 58) // BaseObjectType
	child := NewNumericNodeID(0, 100)
	tree.AddTypeNode(child, base, NodeClassObjectType)

	assert.Assert(t, tree.IsSubtypeOf(base, base))
	assert.Assert(t, tree.IsSubtypeOf(child, child))
}

func TestTypeTreeTransitivity(t *testing.T) {
	tree := NewTypeTree()
	a := NewNumericNodeID(0, 1)
	b := NewNumericNodeID(0, 2)
	c := NewNumericNodeID(0, 3)

	tree.AddTypeNode(c, b, NodeClassVariableType)
	tree.AddTypeNode(b, a, NodeClassVariableType)
	tree.AddTypeNode(a, NewNumericNodeID(0, 62), NodeClassVariableType) // BaseVariableType root

	assert.Assert(t, tree.IsSubtypeOf(c, b))
	assert.Assert(t, tree.IsSubtypeOf(b, a))
	assert.Assert(t, tree.IsSubtypeOf(c, a), "transitivity: is_subtype_of(c,b) and is_subtype_of(b,a) implies is_subtype_of(c,a)")
}

func TestTypeTreeUnrelatedIsFalse(t *testing.T) {
	tree := NewTypeTree()
	a := NewNumericNodeID(0, 1)
	unrelated := NewNumericNodeID(0, 999)
	tree.AddTypeNode(a, NewNumericNodeID(0, 58), NodeClassObjectType)

	assert.Assert(t, !tree.IsSubtypeOf(a, unrelated))
	assert.Assert(t, !tree.IsSubtypeOf(unrelated, a))
}

func TestTypeTreeNonTypeClassStopsWalk(t *testing.T) {
	tree := NewTypeTree()
	object := NewNumericNodeID(0, 100)
	objType := NewNumericNodeID(0, 58)
	// An instance node (NodeClassObject, not a *Type class) must never
	// participate in the subtype lattice even if registered by mistake.
	tree.AddTypeNode(object, objType, NodeClassObject)

	assert.Assert(t, !tree.IsSubtypeOf(object, objType))
}

func TestTypeTreeBrowsePathLookup(t *testing.T) {
	tree := NewTypeTree()
	typ := NewNumericNodeID(0, 58)
	prop := NewNumericNodeID(0, 200)
	path := []QualifiedName{{NamespaceIndex: 0, Name: "EngineeringUnits"}}
	tree.AddTypeProperty(prop, typ, path, NodeClassVariable)

	found, ok := tree.FindTypePropByBrowsePath(typ, path)
	assert.Assert(t, ok)
	assert.Assert(t, found.NodeID.Equal(prop))

	_, ok = tree.FindTypePropByBrowsePath(typ, []QualifiedName{{Name: "NoSuchProperty"}})
	assert.Assert(t, !ok)
}

func TestTypeTreeRemove(t *testing.T) {
	tree := NewTypeTree()
	parent := NewNumericNodeID(0, 58)
	child := NewNumericNodeID(0, 100)
	tree.AddTypeNode(child, parent, NodeClassObjectType)

	assert.Assert(t, tree.Remove(child))
	assert.Assert(t, !tree.IsSubtypeOf(child, parent))
	assert.Assert(t, !tree.Remove(child), "removing again reports no-op")
}

func TestTypeTreeGetAllChildren(t *testing.T) {
	tree := NewTypeTree()
	root := NewNumericNodeID(0, 58)
	a := NewNumericNodeID(0, 1)
	b := NewNumericNodeID(0, 2)
	tree.AddTypeNode(a, root, NodeClassObjectType)
	tree.AddTypeNode(b, a, NodeClassObjectType)

	children := tree.GetAllChildren(root)
	assert.Equal(t, len(children), 2)
}
