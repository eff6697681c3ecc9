package catalog

import (
	"errors"
	"fmt"
)

const (
	EntityCategory   = "category"
	EntityGenre      = "genre"
	EntityCastMember = "cast_member"
)

// ErrInvalidRecord is returned when a record can't be stored as given: it's wrapped
// with a description of the problem
var ErrInvalidRecord = errors.New("invalid record")

// Category is a top-level grouping of videos. Every field except ID is optional, so that
// an update only touches the fields present in the event payload.
type Category struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// Genre is a finer-grained grouping of videos, associated with any number of categories
// by ID. A nil Categories slice means the field was absent; an empty, non-nil slice
// clears the genre's categories.
type Genre struct {
	ID         string   `json:"id"`
	Name       *string  `json:"name,omitempty"`
	IsActive   *bool    `json:"is_active,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// CastMemberType distinguishes directors from actors
type CastMemberType int

const (
	CastMemberTypeDirector CastMemberType = 1
	CastMemberTypeActor    CastMemberType = 2
)

func (t CastMemberType) Valid() bool {
	return t == CastMemberTypeDirector || t == CastMemberTypeActor
}

// CastMember is a person credited in one or more videos
type CastMember struct {
	ID   string          `json:"id"`
	Name *string         `json:"name,omitempty"`
	Type *CastMemberType `json:"type,omitempty"`
}

func validateCategory(c *Category, creating bool) error {
	if creating && (c.Name == nil || *c.Name == "") {
		return fmt.Errorf("%w: category %s has no name", ErrInvalidRecord, c.ID)
	}
	return nil
}

func validateGenre(g *Genre, creating bool) error {
	if creating && (g.Name == nil || *g.Name == "") {
		return fmt.Errorf("%w: genre %s has no name", ErrInvalidRecord, g.ID)
	}
	return nil
}

func validateCastMember(m *CastMember, creating bool) error {
	if creating && (m.Name == nil || *m.Name == "") {
		return fmt.Errorf("%w: cast member %s has no name", ErrInvalidRecord, m.ID)
	}
	if creating && m.Type == nil {
		return fmt.Errorf("%w: cast member %s has no type", ErrInvalidRecord, m.ID)
	}
	if m.Type != nil && !m.Type.Valid() {
		return fmt.Errorf("%w: cast member %s has unrecognized type %d", ErrInvalidRecord, m.ID, *m.Type)
	}
	return nil
}
