// Package store provides storage backends for FlowPipe.
//
// Flow definitions, sessions, automations and contact tags live behind the Store
// interface. The durable job queue, outbox and inbound dedup tables share the same
// database in the SQL backends.
package store

import (
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// FlowRepo persists flow definitions.
type FlowRepo interface {
	SaveFlow(def models.FlowDefinition) error
	// GetFlow returns (nil, nil) when the flow does not exist.
	GetFlow(id string) (*models.FlowDefinition, error)
}

// SessionRepo persists conversation sessions.
type SessionRepo interface {
	CreateSession(session models.SessionContext) error
	// SaveSession updates the mutable fields of an existing session.
	SaveSession(session models.SessionContext) error
	// GetSession returns (nil, nil) when the session does not exist.
	GetSession(id string) (*models.SessionContext, error)
	// GetActiveSessionByPhone returns the most recently updated session of phone
	// that has not ended, or (nil, nil).
	GetActiveSessionByPhone(phone string) (*models.SessionContext, error)
	// GetSessionByStartKey returns the session created with key, ended or not,
	// or (nil, nil).
	GetSessionByStartKey(key string) (*models.SessionContext, error)
}

// AutomationRepo persists automations and their steps.
type AutomationRepo interface {
	// SaveAutomation upserts the automation and replaces its steps.
	SaveAutomation(a models.Automation) error
	// GetAutomation returns the automation with steps ordered by position, or (nil, nil).
	GetAutomation(id string) (*models.Automation, error)
	// GetAutomationStep returns (nil, nil) when the automation has no such step.
	// Step ids are scoped to their automation.
	GetAutomationStep(automationID, stepID string) (*models.AutomationStep, error)
	DeleteAutomationStep(automationID, stepID string) error
}

// ContactRepo stores tags applied to contacts by automations.
type ContactRepo interface {
	// AddContactTag is idempotent.
	AddContactTag(phone, tag string) error
	GetContactTags(phone string) ([]string, error)
}

// Store is the domain persistence surface.
type Store interface {
	FlowRepo
	SessionRepo
	AutomationRepo
	ContactRepo
	Close() error
}

// Backend is a Store that also carries the durable job queue, the outbox and
// the inbound dedup table.
type Backend interface {
	Store
	JobRepo
	OutboxRepo
	DedupRepo
}

// Open connects to the backend selected by the configured DSN.
func Open(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == DSNTypePostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
