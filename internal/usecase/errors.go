package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrEngine     = errors.New("engine error")
	ErrRepository = errors.New("repository error")
	ErrStorage    = errors.New("storage error")
	ErrClosed     = errors.New("session manager closed")
)

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEngine, err)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRepository, err)
}

func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
