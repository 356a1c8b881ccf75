package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediconnect-auth/internal/bucketing"
	"mediconnect-auth/internal/models"
	"mediconnect-auth/internal/repository"
	"mediconnect-auth/internal/util"
)

// AccountRepository persists accounts in ScyllaDB. Rows are partitioned
// by a murmur3 bucket of the account id; email and phone lookups live in
// their own tables and are claimed with LWT inserts so two concurrent
// registrations cannot take the same address. Update is a conditional
// write on the version column.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.Manager) *AccountRepository {
	return &AccountRepository{
		client:  client,
		buckets: buckets,
	}
}

const updateAccountCQL = `
	UPDATE accounts SET
		name = ?, email = ?, phone_hash = ?, phone_encrypted = ?, phone_dek = ?,
		phone_key_id = ?, role = ?, password_hash = ?, password_history = ?,
		password_changed_at = ?, password_expires_at = ?, is_verified = ?,
		is_active = ?, is_locked = ?, lock_reason = ?, lock_expires_at = ?,
		failed_login_attempts = ?, last_failed_login = ?, last_successful_login = ?,
		login_history = ?, active_sessions = ?, otp_hash = ?, otp_expires_at = ?,
		mfa = ?, emergency_contact = ?, address = ?, updated_at = ?, version = ?
	WHERE account_bucket = ? AND account_id = ?
	IF version = ?`

func (r *AccountRepository) Create(ctx context.Context, acc *models.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	acc.Bucket = r.buckets.AccountBucket(acc.ID)

	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	acc.Version = 1

	// Claim the email first; LWT guarantees a single winner.
	var existingID string
	applied, err := r.client.Session.Query(`
		INSERT INTO email_to_account (email, account_id) VALUES (?, ?) IF NOT EXISTS`,
		acc.Email, acc.ID).WithContext(ctx).ScanCAS(&existingID)
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return repository.ErrDuplicateEmail
	}

	if acc.PhoneHash != "" {
		applied, err = r.client.Session.Query(`
			INSERT INTO phone_to_account (phone_hash, account_id) VALUES (?, ?) IF NOT EXISTS`,
			acc.PhoneHash, acc.ID).WithContext(ctx).ScanCAS(&existingID)
		if err != nil || !applied {
			// Release the email claim before reporting failure.
			_ = r.client.Prepared.DeleteEmailLookup.Bind(acc.Email).WithContext(ctx).Exec()
			if err != nil {
				return fmt.Errorf("failed to claim phone: %w", err)
			}
			return repository.ErrDuplicatePhone
		}
	}

	args, err := r.insertArgs(acc)
	if err != nil {
		return err
	}
	query := r.client.Prepared.InsertAccount.Bind(args...).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create account",
			zap.String("account_id", acc.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		zap.String("account_id", acc.ID),
		zap.Int("bucket", acc.Bucket),
		zap.String("role", string(acc.Role)))

	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	bucket := r.buckets.AccountBucket(accountID)
	query := r.client.Prepared.GetAccountByID.Bind(bucket, accountID).WithContext(ctx)
	return r.scanAccount(query)
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var accountID string
	query := r.client.Prepared.GetEmailLookup.Bind(email).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to resolve email lookup: %w", err)
	}
	return r.GetByID(ctx, accountID)
}

func (r *AccountRepository) GetByPhoneHash(ctx context.Context, phoneHash string) (*models.Account, error) {
	var accountID string
	query := r.client.Prepared.GetPhoneLookup.Bind(phoneHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to resolve phone lookup: %w", err)
	}
	return r.GetByID(ctx, accountID)
}

// Update applies the account state only if the stored version still
// matches the one the caller read. On success the in-memory version is
// bumped to what was written.
func (r *AccountRepository) Update(ctx context.Context, acc *models.Account) error {
	now := time.Now().UTC()
	newVersion := acc.Version + 1

	passwordHistory, err := marshalField(acc.PasswordHistory)
	if err != nil {
		return err
	}
	loginHistory, err := marshalField(acc.LoginHistory)
	if err != nil {
		return err
	}
	sessions, err := marshalField(acc.ActiveSessions)
	if err != nil {
		return err
	}
	mfa, err := marshalField(acc.MFA)
	if err != nil {
		return err
	}
	contact, err := marshalField(acc.EmergencyContact)
	if err != nil {
		return err
	}
	address, err := marshalField(acc.Address)
	if err != nil {
		return err
	}

	var storedVersion int64
	applied, err := r.client.Session.Query(updateAccountCQL,
		acc.Name, acc.Email, acc.PhoneHash, acc.PhoneEncrypted, acc.PhoneDEK,
		acc.PhoneKeyID, string(acc.Role), acc.PasswordHash, passwordHistory,
		timeVal(acc.PasswordChangedAt), timeVal(acc.PasswordExpiresAt), acc.IsVerified,
		acc.IsActive, acc.IsLocked, acc.LockReason, timeVal(acc.LockExpiresAt),
		acc.FailedLoginAttempts, timeVal(acc.LastFailedLogin), timeVal(acc.LastSuccessfulLogin),
		loginHistory, sessions, acc.OTPHash, timeVal(acc.OTPExpiresAt),
		mfa, contact, address, now, newVersion,
		acc.Bucket, acc.ID,
		acc.Version,
	).WithContext(ctx).ScanCAS(&storedVersion)
	if err != nil {
		util.Error("Failed to update account",
			zap.String("account_id", acc.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update account: %w", err)
	}
	if !applied {
		util.Debug("Account update lost version race",
			zap.String("account_id", acc.ID),
			zap.Int64("expected", acc.Version),
			zap.Int64("stored", storedVersion))
		return repository.ErrVersionConflict
	}

	acc.UpdatedAt = now
	acc.Version = newVersion
	return nil
}

// Delete removes the account and its lookup rows (re-registration over
// an unverified duplicate).
func (r *AccountRepository) Delete(ctx context.Context, acc *models.Account) error {
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(r.client.Prepared.DeleteAccount.Statement(), acc.Bucket, acc.ID)
	batch.Query(r.client.Prepared.DeleteEmailLookup.Statement(), acc.Email)
	if acc.PhoneHash != "" {
		batch.Query(r.client.Prepared.DeletePhoneLookup.Statement(), acc.PhoneHash)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete account",
			zap.String("account_id", acc.ID),
			zap.Error(err))
		return fmt.Errorf("failed to delete account: %w", err)
	}

	util.Info("Account deleted", zap.String("account_id", acc.ID))
	return nil
}

// ListLocked scans for locked accounts for the background sweeper. The
// locked population is tiny relative to the table, so a filtering scan
// at the sweep cadence is acceptable.
func (r *AccountRepository) ListLocked(ctx context.Context) ([]*models.Account, error) {
	iter := r.client.Session.Query(fmt.Sprintf(`
		SELECT %s FROM accounts WHERE is_locked = true ALLOW FILTERING`,
		accountColumns)).WithContext(ctx).Iter()

	var accounts []*models.Account
	for {
		acc, ok, err := scanAccountFromIter(iter)
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if !ok {
			break
		}
		accounts = append(accounts, acc)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list locked accounts: %w", err)
	}
	return accounts, nil
}

func (r *AccountRepository) insertArgs(acc *models.Account) ([]interface{}, error) {
	passwordHistory, err := marshalField(acc.PasswordHistory)
	if err != nil {
		return nil, err
	}
	loginHistory, err := marshalField(acc.LoginHistory)
	if err != nil {
		return nil, err
	}
	sessions, err := marshalField(acc.ActiveSessions)
	if err != nil {
		return nil, err
	}
	mfa, err := marshalField(acc.MFA)
	if err != nil {
		return nil, err
	}
	contact, err := marshalField(acc.EmergencyContact)
	if err != nil {
		return nil, err
	}
	address, err := marshalField(acc.Address)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		acc.Bucket, acc.ID, acc.Name, acc.Email, acc.PhoneHash,
		acc.PhoneEncrypted, acc.PhoneDEK, acc.PhoneKeyID, string(acc.Role),
		acc.PasswordHash, passwordHistory, timeVal(acc.PasswordChangedAt), timeVal(acc.PasswordExpiresAt),
		acc.IsVerified, acc.IsActive, acc.IsLocked, acc.LockReason, timeVal(acc.LockExpiresAt),
		acc.FailedLoginAttempts, timeVal(acc.LastFailedLogin), timeVal(acc.LastSuccessfulLogin),
		loginHistory, sessions, acc.OTPHash, timeVal(acc.OTPExpiresAt), mfa,
		contact, address, acc.CreatedAt, acc.UpdatedAt, acc.Version,
	}, nil
}

func (r *AccountRepository) scanAccount(query *gocql.Query) (*models.Account, error) {
	acc := &models.Account{}
	var (
		role                                     string
		passwordHistory, loginHistory, sessions  string
		mfa, contact, address                    string
		passwordChangedAt, passwordExpiresAt     time.Time
		lockExpiresAt, lastFailed, lastSucceeded time.Time
		otpExpiresAt                             time.Time
	)

	err := r.client.ScanWithRetry(query,
		&acc.Bucket, &acc.ID, &acc.Name, &acc.Email, &acc.PhoneHash,
		&acc.PhoneEncrypted, &acc.PhoneDEK, &acc.PhoneKeyID, &role,
		&acc.PasswordHash, &passwordHistory, &passwordChangedAt, &passwordExpiresAt,
		&acc.IsVerified, &acc.IsActive, &acc.IsLocked, &acc.LockReason, &lockExpiresAt,
		&acc.FailedLoginAttempts, &lastFailed, &lastSucceeded,
		&loginHistory, &sessions, &acc.OTPHash, &otpExpiresAt, &mfa,
		&contact, &address, &acc.CreatedAt, &acc.UpdatedAt, &acc.Version)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to read account: %w", err)
	}

	if err := hydrateAccount(acc, role,
		passwordHistory, loginHistory, sessions, mfa, contact, address,
		passwordChangedAt, passwordExpiresAt, lockExpiresAt,
		lastFailed, lastSucceeded, otpExpiresAt); err != nil {
		return nil, err
	}
	return acc, nil
}

func scanAccountFromIter(iter *gocql.Iter) (*models.Account, bool, error) {
	acc := &models.Account{}
	var (
		role                                     string
		passwordHistory, loginHistory, sessions  string
		mfa, contact, address                    string
		passwordChangedAt, passwordExpiresAt     time.Time
		lockExpiresAt, lastFailed, lastSucceeded time.Time
		otpExpiresAt                             time.Time
	)

	if !iter.Scan(
		&acc.Bucket, &acc.ID, &acc.Name, &acc.Email, &acc.PhoneHash,
		&acc.PhoneEncrypted, &acc.PhoneDEK, &acc.PhoneKeyID, &role,
		&acc.PasswordHash, &passwordHistory, &passwordChangedAt, &passwordExpiresAt,
		&acc.IsVerified, &acc.IsActive, &acc.IsLocked, &acc.LockReason, &lockExpiresAt,
		&acc.FailedLoginAttempts, &lastFailed, &lastSucceeded,
		&loginHistory, &sessions, &acc.OTPHash, &otpExpiresAt, &mfa,
		&contact, &address, &acc.CreatedAt, &acc.UpdatedAt, &acc.Version) {
		return nil, false, nil
	}

	if err := hydrateAccount(acc, role,
		passwordHistory, loginHistory, sessions, mfa, contact, address,
		passwordChangedAt, passwordExpiresAt, lockExpiresAt,
		lastFailed, lastSucceeded, otpExpiresAt); err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

func hydrateAccount(acc *models.Account, role,
	passwordHistory, loginHistory, sessions, mfa, contact, address string,
	passwordChangedAt, passwordExpiresAt, lockExpiresAt,
	lastFailed, lastSucceeded, otpExpiresAt time.Time) error {

	acc.Role = models.Role(role)
	acc.PasswordChangedAt = timePtr(passwordChangedAt)
	acc.PasswordExpiresAt = timePtr(passwordExpiresAt)
	acc.LockExpiresAt = timePtr(lockExpiresAt)
	acc.LastFailedLogin = timePtr(lastFailed)
	acc.LastSuccessfulLogin = timePtr(lastSucceeded)
	acc.OTPExpiresAt = timePtr(otpExpiresAt)

	if err := unmarshalField(passwordHistory, &acc.PasswordHistory); err != nil {
		return err
	}
	if err := unmarshalField(loginHistory, &acc.LoginHistory); err != nil {
		return err
	}
	if err := unmarshalField(sessions, &acc.ActiveSessions); err != nil {
		return err
	}
	if err := unmarshalField(mfa, &acc.MFA); err != nil {
		return err
	}
	if err := unmarshalField(contact, &acc.EmergencyContact); err != nil {
		return err
	}
	return unmarshalField(address, &acc.Address)
}

// marshalField stores structured fields as JSON text columns.
func marshalField(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode account field: %w", err)
	}
	return string(raw), nil
}

func unmarshalField(raw string, target interface{}) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("failed to decode account field: %w", err)
	}
	return nil
}

// Scylla stores no NULL timestamps through prepared binds; zero time
// stands in for absent.
func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t
	return &tt
}
