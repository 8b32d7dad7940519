package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAudienceRefValidate(t *testing.T) {
	listID := uuid.New()

	tests := []struct {
		name    string
		ref     AudienceRef
		wantErr bool
	}{
		{
			name: "valid list",
			ref:  AudienceRef{Kind: AudienceList, List: &ListRef{ListID: listID}},
		},
		{
			name: "valid segment",
			ref:  AudienceRef{Kind: AudienceSegment, Segment: &SegmentRef{SegmentID: uuid.New()}},
		},
		{
			name: "valid contacts",
			ref:  AudienceRef{Kind: AudienceContacts, Contacts: &ContactsRef{ContactIDs: []uuid.UUID{uuid.New()}}},
		},
		{
			name:    "kind without variant",
			ref:     AudienceRef{Kind: AudienceList},
			wantErr: true,
		},
		{
			name: "two variants set",
			ref: AudienceRef{
				Kind:    AudienceList,
				List:    &ListRef{ListID: listID},
				Segment: &SegmentRef{SegmentID: uuid.New()},
			},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			ref:     AudienceRef{Kind: "broadcast"},
			wantErr: true,
		},
		{
			name:    "empty kind",
			ref:     AudienceRef{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
