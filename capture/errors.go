package capture

import (
	"errors"

	"github.com/hazyhaar/pagekeep/capture/internal/browser"
	"github.com/hazyhaar/pagekeep/capture/internal/store"
)

// ErrInvalidInput is returned when the submitted URL is missing or unusable.
var ErrInvalidInput = errors.New("capture: invalid input")

// ErrRateLimited is returned when a client exceeds limits.capture_rps.
var ErrRateLimited = errors.New("capture: rate limit exceeded")

// ErrNotFound is returned for unknown, deleted or expired snapshot ids.
var ErrNotFound = store.ErrNotFound

// NavigationError reports a page that could not be loaded at all.
type NavigationError = browser.NavigationError

// PersistenceError reports a snapshot store failure.
type PersistenceError = store.PersistenceError
