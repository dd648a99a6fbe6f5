package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
	"zapinbox/internal/store"
)

// Sender identifies who wrote an inbound message.
type Sender struct {
	Channel    models.Channel
	ExternalID string
	Name       string
	SeenAt     int64
}

// Resolver maps a sender to its contact and its single active conversation.
type Resolver struct {
	clinicID     string
	departmentID string
}

// NewResolver returns a Resolver for one clinic. When routingDepartmentID is set,
// new conversations start pending in that department instead of open.
func NewResolver(clinicID, routingDepartmentID string) (*Resolver, error) {
	if clinicID == "" {
		return nil, fmt.Errorf("clinic ID cannot be empty for Resolver")
	}
	return &Resolver{clinicID: clinicID, departmentID: routingDepartmentID}, nil
}

// Resolve runs inside the caller's transaction. created reports whether a new
// conversation row was inserted by this call.
func (r *Resolver) Resolve(ctx context.Context, tx *store.Tx, s Sender) (models.Contact, models.Conversation, bool, error) {
	if s.ExternalID == "" {
		return models.Contact{}, models.Conversation{}, false, fmt.Errorf("sender external id cannot be empty")
	}

	contact, err := tx.UpsertContact(ctx, models.Contact{
		ClinicID:   r.clinicID,
		Channel:    s.Channel,
		ExternalID: s.ExternalID,
		Name:       models.Str(s.Name),
		LastSeenAt: &s.SeenAt,
	})
	if err != nil {
		return contact, models.Conversation{}, false, err
	}

	conv := models.Conversation{
		ClinicID:  r.clinicID,
		ContactID: contact.ID,
		Channel:   s.Channel,
		Status:    models.StatusOpen,
	}
	if r.departmentID != "" {
		conv.Status = models.StatusPending
		conv.DepartmentID = models.Str(r.departmentID)
	}

	conv, created, err := tx.FindOrCreateOpenConversation(ctx, conv)
	if err != nil {
		return contact, conv, false, err
	}
	if created {
		log.Info().
			Str("conversationID", conv.ID).
			Str("contactID", contact.ID).
			Str("channel", string(s.Channel)).
			Str("status", string(conv.Status)).
			Msg("Created conversation")
	}
	return contact, conv, created, nil
}
