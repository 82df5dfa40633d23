package transaction

import "errors"

var (
	// ErrRecipeMissing means no recipe directory exists for a package in
	// the cloned recipe repo. Planning logs it and drops the package.
	ErrRecipeMissing = errors.New("recipe directory not found")

	// ErrDependencyCycle means the build order cannot be determined:
	// the in-transaction dependency graph has a cycle or an edge to a
	// package that never became orderable. The transaction is aborted.
	ErrDependencyCycle = errors.New("cyclic or missing dependency")

	// ErrSignFailed means the built packages could not be signed. The
	// build is recorded as failed; unsigned packages never reach a repo.
	ErrSignFailed = errors.New("package signing failed")
)
