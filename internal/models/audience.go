package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type AudienceKind string

const (
	AudienceList     AudienceKind = "list"
	AudienceSegment  AudienceKind = "segment"
	AudienceContacts AudienceKind = "contacts"
)

// AudienceRef is a closed tagged union: exactly one variant field is set
// and it must match Kind. Resolution switches on Kind exhaustively so an
// unrecognized kind is an error, never a silent fall-through.
type AudienceRef struct {
	Kind     AudienceKind `json:"kind"`
	List     *ListRef     `json:"list,omitempty"`
	Segment  *SegmentRef  `json:"segment,omitempty"`
	Contacts *ContactsRef `json:"contacts,omitempty"`
}

type ListRef struct {
	ListID uuid.UUID `json:"list_id"`
}

type SegmentRef struct {
	SegmentID uuid.UUID          `json:"segment_id"`
	Criteria  []SegmentCondition `json:"criteria,omitempty"`
}

type ContactsRef struct {
	ContactIDs []uuid.UUID `json:"contact_ids"`
}

// SegmentCondition is one criterion of a dynamic segment, evaluated
// against the live contact set at resolution time.
type SegmentCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

func (r AudienceRef) Validate() error {
	switch r.Kind {
	case AudienceList:
		if r.List == nil || r.Segment != nil || r.Contacts != nil {
			return errors.New("audience ref kind list requires exactly the list variant")
		}
	case AudienceSegment:
		if r.Segment == nil || r.List != nil || r.Contacts != nil {
			return errors.New("audience ref kind segment requires exactly the segment variant")
		}
	case AudienceContacts:
		if r.Contacts == nil || r.List != nil || r.Segment != nil {
			return errors.New("audience ref kind contacts requires exactly the contacts variant")
		}
	default:
		return fmt.Errorf("unknown audience kind %q", r.Kind)
	}
	return nil
}

type Recipient struct {
	ContactID   uuid.UUID `json:"contact_id,omitempty"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
}

// NormalizeEmail is the dedup identity for recipients and the key for
// delivery records: trimmed and lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
