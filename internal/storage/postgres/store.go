package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/signature"
	"github.com/jkaninda/ngome/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu         sync.Mutex
	signatures *SignatureRepository
	variables  *VariableRepository
	audit      *AuditRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Signatures() signature.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signatures == nil {
		s.signatures = NewSignatureRepository(s.pgDB.GormDB())
	}
	return s.signatures
}

func (s *Store) Variables() storage.VariableStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.variables == nil {
		s.variables = NewVariableRepository(s.pgDB.GormDB())
	}
	return s.variables
}

func (s *Store) Audit() audit.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		s.audit = NewAuditRepository(s.pgDB.GormDB())
	}
	return s.audit
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
