// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen = 36
	MaxRoomIDLen = 36
)

var (
	ErrEmptyUserID   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrEmptyRoomID   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type (
	UserID string
	RoomID string
)

// NewUserID returns a random id for callers that do not bring their own.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrEmptyUserID
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

func (id RoomID) Validate() error {
	if len(id) == 0 {
		return ErrEmptyRoomID
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
