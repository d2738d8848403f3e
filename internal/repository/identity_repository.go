package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/faceauth/internal/biometric"
	"github.com/example/faceauth/internal/logging"
	"github.com/example/faceauth/internal/retry"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateUsername is returned when an identity already exists for a username.
	ErrDuplicateUsername = errors.New("repository: username already enrolled")
)

// Identity is the persisted template of one enrolled user. The template is
// stored as a textual JSON array of floats.
type Identity struct {
	ID             uint                         `gorm:"primaryKey"`
	Username       string                       `gorm:"column:username;uniqueIndex;size:128;not null"`
	CredentialHash string                       `gorm:"column:credential_hash;size:255"`
	Template       datatypes.JSONSlice[float64] `gorm:"column:template;not null"`
	CreatedAt      time.Time                    `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (Identity) TableName() string {
	return "identities"
}

// BiometricTemplate returns the stored template.
func (i *Identity) BiometricTemplate() biometric.Template {
	return biometric.Template(i.Template)
}

// IdentityRepository is the template store.
type IdentityRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewIdentityRepository creates a new repository instance.
func NewIdentityRepository(db *gorm.DB, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{db: db, logger: logger.Named("identity_repository"), policy: retry.DefaultPolicy}
}

// Create inserts identity unless the username is already taken, in which case
// ErrDuplicateUsername is returned and the existing record is left untouched.
// The check and insert are a single statement guarded by the unique index.
func (r *IdentityRepository) Create(ctx context.Context, requestID string, identity *Identity) error {
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
		Create(identity)
	if res.Error != nil {
		return logging.NewOperationError("store.create_identity", requestID, res.Error)
	}
	if res.RowsAffected == 0 {
		return logging.NewOperationError("store.create_identity", requestID, ErrDuplicateUsername)
	}
	return nil
}

// FindByUsername loads the identity for username. Transient failures are retried.
func (r *IdentityRepository) FindByUsername(ctx context.Context, requestID, username string) (*Identity, error) {
	var identity Identity
	err := retry.Do(ctx, r.logger, r.policy, "store.find_identity", requestID, func() error {
		err := r.db.WithContext(ctx).Where("username = ?", username).Take(&identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}
