// Package conversation owns the conversation status state machine.
//
// Each actor may only make the moves listed for it in the transition table.
// Inbound traffic can reopen a closed thread but never closes or parks one;
// staff drive the working states; the archiver only retires resolved threads.
package conversation

import (
	"fmt"

	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
)

type Actor string

const (
	ActorIngestion Actor = "ingestion"
	ActorStaff     Actor = "staff"
	ActorArchiver  Actor = "archiver"
)

type edge struct {
	from, to models.ConversationStatus
}

var transitions = map[Actor]map[edge]bool{
	ActorIngestion: {
		{models.ConversationResolved, models.ConversationActive}: true,
		{models.ConversationArchived, models.ConversationActive}: true,
	},
	ActorStaff: {
		{models.ConversationActive, models.ConversationPending}:     true,
		{models.ConversationActive, models.ConversationEscalated}:   true,
		{models.ConversationActive, models.ConversationResolved}:    true,
		{models.ConversationPending, models.ConversationActive}:     true,
		{models.ConversationPending, models.ConversationEscalated}:  true,
		{models.ConversationPending, models.ConversationResolved}:   true,
		{models.ConversationEscalated, models.ConversationPending}:  true,
		{models.ConversationEscalated, models.ConversationResolved}: true,
		{models.ConversationResolved, models.ConversationArchived}:  true,
	},
	ActorArchiver: {
		{models.ConversationResolved, models.ConversationArchived}: true,
	},
}

// CanTransition reports whether actor may move a thread from one status to another.
func CanTransition(actor Actor, from, to models.ConversationStatus) bool {
	return transitions[actor][edge{from, to}]
}

// Transition returns errs.ErrInvalidTransition unless actor may make the move.
func Transition(actor Actor, from, to models.ConversationStatus) error {
	if !to.Valid() {
		return fmt.Errorf("conversation status %q: %w", to, errs.ErrInvalidInput)
	}
	if !CanTransition(actor, from, to) {
		return fmt.Errorf("%s cannot move conversation from %s to %s: %w", actor, from, to, errs.ErrInvalidTransition)
	}
	return nil
}

// OnInbound returns the status a thread takes when a customer message
// arrives. Only closed threads change.
func OnInbound(current models.ConversationStatus) (next models.ConversationStatus, reopened bool) {
	if CanTransition(ActorIngestion, current, models.ConversationActive) {
		return models.ConversationActive, true
	}
	return current, false
}
