package utils

import "github.com/google/uuid"

// GenSessionID returns a new opaque session identifier.
func GenSessionID() string { return uuid.NewString() }

// GenEventID returns a new opaque event identifier.
func GenEventID() string { return uuid.NewString() }
