package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/jitterm/internal/principal"
)

const totpIssuer = "jitterm"

var (
	// ErrUserExists indicates a duplicate username.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound indicates a missing user.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameRequired indicates a missing username.
	ErrUsernameRequired = errors.New("username is required")
	// ErrInvalidRole indicates an unknown role.
	ErrInvalidRole = errors.New("invalid role")
)

// CreateUserOptions configures CreateUser.
type CreateUserOptions struct {
	Username    string
	DisplayName string
	Role        principal.Role
	// Password is generated when empty.
	Password string
	// TOTP enrolls a second factor.
	TOTP bool
	Now  time.Time
}

// UserCreateResult is returned when creating a user.
type UserCreateResult struct {
	User       User
	Password   string
	TOTPSecret string
	TOTPURL    string
}

// UserTOTPResult contains a rotated TOTP secret.
type UserTOTPResult struct {
	User       User
	TOTPSecret string
	TOTPURL    string
}

// UserPasswordResult contains a changed password.
type UserPasswordResult struct {
	User     User
	Password string
}

// CreateUser adds a new user.
func CreateUser(store *UserStore, opts CreateUserOptions) (UserCreateResult, error) {
	if store == nil {
		return UserCreateResult{}, errors.New("user store is nil")
	}
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		return UserCreateResult{}, ErrUsernameRequired
	}
	if _, exists := store.Get(username); exists {
		return UserCreateResult{}, ErrUserExists
	}
	role := opts.Role
	if role == "" {
		role = principal.RoleUser
	}
	if !ValidRole(role) {
		return UserCreateResult{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	password := opts.Password
	if strings.TrimSpace(password) == "" {
		generated, err := generatePassword()
		if err != nil {
			return UserCreateResult{}, err
		}
		password = generated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserCreateResult{}, err
	}
	user := User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  strings.TrimSpace(opts.DisplayName),
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    now,
	}
	result := UserCreateResult{Password: password}
	if opts.TOTP {
		secret, url, err := generateTOTP(username)
		if err != nil {
			return UserCreateResult{}, err
		}
		user.TOTPSecret = secret
		result.TOTPSecret = secret
		result.TOTPURL = url
	}
	store.Upsert(user)
	result.User = user
	return result, nil
}

// RotateUserTOTP enrolls or regenerates the TOTP secret for a user.
func RotateUserTOTP(store *UserStore, username string) (UserTOTPResult, error) {
	user, err := lookup(store, username)
	if err != nil {
		return UserTOTPResult{}, err
	}
	secret, url, err := generateTOTP(user.Username)
	if err != nil {
		return UserTOTPResult{}, err
	}
	user.TOTPSecret = secret
	store.Upsert(user)
	return UserTOTPResult{User: user, TOTPSecret: secret, TOTPURL: url}, nil
}

// ChangeUserPassword updates a user's password, generating one if empty.
func ChangeUserPassword(store *UserStore, username, password string) (UserPasswordResult, error) {
	user, err := lookup(store, username)
	if err != nil {
		return UserPasswordResult{}, err
	}
	if strings.TrimSpace(password) == "" {
		generated, err := generatePassword()
		if err != nil {
			return UserPasswordResult{}, err
		}
		password = generated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserPasswordResult{}, err
	}
	user.PasswordHash = string(hash)
	store.Upsert(user)
	return UserPasswordResult{User: user, Password: password}, nil
}

// DeleteUser removes a user by username.
func DeleteUser(store *UserStore, username string) (User, error) {
	if store == nil {
		return User{}, errors.New("user store is nil")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUsernameRequired
	}
	user, ok := store.Delete(username)
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func lookup(store *UserStore, username string) (User, error) {
	if store == nil {
		return User{}, errors.New("user store is nil")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUsernameRequired
	}
	user, ok := store.Get(username)
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func generateTOTP(username string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
	if err != nil {
		return "", "", err
	}
	secret := strings.TrimSpace(key.Secret())
	if secret == "" {
		return "", "", fmt.Errorf("totp secret missing")
	}
	return secret, key.URL(), nil
}
