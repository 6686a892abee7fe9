package jitterm

import (
	"pkt.systems/jitterm/internal/identity"
	"pkt.systems/jitterm/internal/principal"
)

// User management works directly on the users file. A running server
// picks up changes through its reload loop.

// Role is an account's administrative tier.
type Role = principal.Role

// Known roles.
const (
	RoleSuperAdmin = principal.RoleSuperAdmin
	RoleAdmin      = principal.RoleAdmin
	RoleAIAgent    = principal.RoleAIAgent
	RoleOMAI       = principal.RoleOMAI
	RoleUser       = principal.RoleUser
)

// User is a stored account.
type User = identity.User

// UserCreateOptions configures UsersAdd.
type UserCreateOptions = identity.CreateUserOptions

// UserCreateResult carries the generated credentials of a new user.
type UserCreateResult = identity.UserCreateResult

// UserPasswordResult carries a changed password.
type UserPasswordResult = identity.UserPasswordResult

// UserTOTPResult carries a rotated TOTP secret.
type UserTOTPResult = identity.UserTOTPResult

// UsersList returns the users stored in path.
func UsersList(path string) ([]User, error) {
	store, err := identity.LoadUserStore(path)
	if err != nil {
		return nil, err
	}
	return store.List(), nil
}

// UsersAdd creates a user in path.
func UsersAdd(path string, opts UserCreateOptions) (UserCreateResult, error) {
	var out UserCreateResult
	err := updateUsers(path, func(store *identity.UserStore) (err error) {
		out, err = identity.CreateUser(store, opts)
		return err
	})
	return out, err
}

// UsersDelete removes a user from path.
func UsersDelete(path, username string) (User, error) {
	var out User
	err := updateUsers(path, func(store *identity.UserStore) (err error) {
		out, err = identity.DeleteUser(store, username)
		return err
	})
	return out, err
}

// UsersPasswd sets a user's password, generating one when empty.
func UsersPasswd(path, username, password string) (UserPasswordResult, error) {
	var out UserPasswordResult
	err := updateUsers(path, func(store *identity.UserStore) (err error) {
		out, err = identity.ChangeUserPassword(store, username, password)
		return err
	})
	return out, err
}

// UsersRotateTOTP enrolls or replaces a user's TOTP secret.
func UsersRotateTOTP(path, username string) (UserTOTPResult, error) {
	var out UserTOTPResult
	err := updateUsers(path, func(store *identity.UserStore) (err error) {
		out, err = identity.RotateUserTOTP(store, username)
		return err
	})
	return out, err
}

func updateUsers(path string, fn func(*identity.UserStore) error) error {
	store, err := identity.LoadUserStore(path)
	if err != nil {
		return err
	}
	if err := fn(store); err != nil {
		return err
	}
	return store.Save(path)
}
