package conversation

import "errors"

var (
	// ErrNotFound means no unrated record matched a feedback event.
	ErrNotFound = errors.New("conversation not found")

	// ErrCollaboratorUnavailable wraps embedding, search, archive and
	// generator failures.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrInvariantViolation marks states that should not exist, such as two
	// unrated records with identical content. It is logged, not returned.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrArchiveWrite means the rating could not be persisted.
	ErrArchiveWrite = errors.New("archive write failed")

	// ErrInvalidRating is returned for ratings outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")

	// ErrEmptyUserID is returned when an operation lacks a user.
	ErrEmptyUserID = errors.New("user id is required")
)
