package engine

import (
	"errors"
	"fmt"
)

// Migrate copies every sealed item from src into dst. Items stay sealed, so
// both stores must be used with the same master key. It returns the number
// of items copied.
func Migrate(src, dst Store) (int, error) {
	users, err := src.Users()
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	copied := 0
	for _, userID := range users {
		types, err := src.Types(userID)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return copied, fmt.Errorf("failed to list data types for user %s: %w", userID, err)
		}

		for _, dt := range types {
			items, err := src.List(userID, dt)
			if err != nil {
				return copied, fmt.Errorf("failed to list %s items for user %s: %w", dt, userID, err)
			}
			for id, item := range items {
				if err := dst.Put(userID, dt, id, item); err != nil {
					return copied, fmt.Errorf("failed to copy item %s: %w", id, err)
				}
				copied++
			}
		}
	}
	return copied, nil
}
