package identity

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/principal"
)

// Verifier re-checks the credentials of an already authenticated principal.
type Verifier interface {
	VerifyPassword(p principal.Principal, password, code string) error
}

// Authenticator validates credentials against a UserStore.
type Authenticator struct {
	Users *UserStore
	Now   func() time.Time
}

// NewAuthenticator returns an Authenticator.
func NewAuthenticator(users *UserStore) *Authenticator {
	return &Authenticator{Users: users}
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Login checks username, password and, when enrolled, the TOTP code.
func (a *Authenticator) Login(username, password, code string) (principal.Principal, error) {
	if a == nil || a.Users == nil {
		return principal.Principal{}, invalidCredentials()
	}
	user, ok := a.Users.Get(username)
	if !ok {
		return principal.Principal{}, invalidCredentials()
	}
	if err := a.check(user, password, code); err != nil {
		return principal.Principal{}, err
	}
	p := user.Principal()
	p.AuthType = principal.AuthSession
	return p, nil
}

// VerifyPassword implements Verifier.
func (a *Authenticator) VerifyPassword(p principal.Principal, password, code string) error {
	if a == nil || a.Users == nil {
		return invalidCredentials()
	}
	user, ok := a.Users.GetByID(p.ID)
	if !ok {
		return invalidCredentials()
	}
	return a.check(user, password, code)
}

func (a *Authenticator) check(user User, password, code string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return invalidCredentials()
	}
	if user.TOTPSecret == "" {
		return nil
	}
	valid, err := totp.ValidateCustom(code, user.TOTPSecret, a.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return invalidCredentials()
	}
	return nil
}

func invalidCredentials() error {
	return apperr.New(apperr.KindUnauthenticated, "invalid credentials")
}
