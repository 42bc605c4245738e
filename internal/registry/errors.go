package registry

import "errors"

var (
	// ErrNameConflict is returned when a non-deleted instance already holds
	// the requested name. Concurrent creates with the same name resolve
	// deterministically: the insert that wins the unique index proceeds,
	// the loser gets this.
	ErrNameConflict = errors.New("instance name already in use")

	ErrNotFound      = errors.New("instance not found")
	ErrImageNotFound = errors.New("image not found")
)
