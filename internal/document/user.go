// Package document defines the logical-user document shared by the
// local and remote stores, and the permission-merge rules applied at
// every read boundary.
package document

import (
	"encoding/json"
	"time"
)

// TypeUser is the document type discriminator used by Mango selectors.
const TypeUser = "user"

// AvatarAttachment is the fixed name of the binary sub-resource
// holding a user's avatar image.
const AvatarAttachment = "avatar"

// Role is the closed role enum.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// User is the canonical logical-user document. The same shape lives in
// the local store and, once synchronized, in the remote store.
//
// Password is write-only on the client: it is carried on outbound
// directory writes so the server can hash it, and never persisted in
// the general document.
type User struct {
	ID                string            `json:"_id,omitempty"`
	Rev               string            `json:"_rev,omitempty"`
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Email             string            `json:"email"`
	Password          string            `json:"password,omitempty"`
	Role              Role              `json:"role"`
	Permissions       []string          `json:"permissions"`
	ModulePermissions ModulePermissions `json:"modulePermissions"`
	IsActive          bool              `json:"isActive"`
	DeletedAt         *time.Time        `json:"deletedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// UserFromBody decodes a raw document body into a User and fills the
// module-permission map against the canonical defaults.
func UserFromBody(body []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	u.ModulePermissions = MergeModulePermissions(u.ModulePermissions, nil, DefaultModulePermissions())
	if u.Permissions == nil {
		u.Permissions = []string{}
	}
	return &u, nil
}

// Body encodes the user back into a raw document body. The password is
// stripped first: credential material belongs to the directory record
// only.
func (u *User) Body() ([]byte, error) {
	clone := *u
	clone.Password = ""
	return json.Marshal(&clone)
}
