// Package postgres is the pgx-backed implementation of the repository
// interfaces.
package postgres

import (
	"github.com/brixapay/be-expense-approvals/internal/database"
	"github.com/brixapay/be-expense-approvals/internal/repository"
)

// Store bundles the Postgres repositories over one connection pool.
type Store struct {
	db *database.DB
}

// New creates a Store over the given database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Hierarchy implements repository.Store.
func (s *Store) Hierarchy() repository.HierarchyRepository { return &HierarchyRepository{db: s.db} }

// Policies implements repository.Store.
func (s *Store) Policies() repository.PolicyRepository { return &PolicyRepository{db: s.db} }

// ChainRules implements repository.Store.
func (s *Store) ChainRules() repository.ChainRuleRepository { return &ChainRuleRepository{db: s.db} }

// Approvals implements repository.Store.
func (s *Store) Approvals() repository.ApprovalRepository { return &ApprovalRepository{db: s.db} }

// Delegations implements repository.Store.
func (s *Store) Delegations() repository.DelegationRepository { return &DelegationRepository{db: s.db} }

// SoDRules implements repository.Store.
func (s *Store) SoDRules() repository.SoDRuleRepository { return &SoDRuleRepository{db: s.db} }

// EscalationConfig implements repository.Store.
func (s *Store) EscalationConfig() repository.EscalationConfigRepository {
	return &EscalationConfigRepository{db: s.db}
}

// Audit implements repository.Store.
func (s *Store) Audit() repository.AuditRepository { return &AuditRepository{db: s.db} }
