package bvh

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-bvh/geom"
)

const (
	// A key was removed or updated without having been inserted.
	ErrTypeInvalidKey = "bvh_invalid_key"

	// A key was inserted twice.
	ErrTypeDuplicateKey = "bvh_duplicate_key"

	// A box with min > max on some axis was given to Insert or Update.
	ErrTypeDegenerateBounds = "bvh_degenerate_bounds"

	// The node arena reached its size limit.
	ErrTypeAllocationFailure = "bvh_allocation_failure"

	// Returned by Validate when an invariant does not hold.
	ErrTypeInvalidTree = "bvh_invalid_tree"
)

func errInvalidKey(key any) error {
	return errors.New("key is not in the tree").
		WithType(ErrTypeInvalidKey).
		WithTag("key", key)
}

func errDuplicateKey(key any) error {
	return errors.New("key is already in the tree").
		WithType(ErrTypeDuplicateKey).
		WithTag("key", key)
}

func errDegenerateBounds(key any, box geom.AABB) error {
	return errors.New("bounds are degenerate").
		WithType(ErrTypeDegenerateBounds).
		WithTag("key", key).
		WithTag("min", box.Min).
		WithTag("max", box.Max)
}

func errInvalidTree(msg string, node NodeIndex) error {
	return errors.New(msg).
		WithType(ErrTypeInvalidTree).
		WithTag("node", node)
}
