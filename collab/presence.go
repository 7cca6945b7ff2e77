package collab

import (
	"github.com/workspace-ide/collab/collab/docservice"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

const usersField = "users"

// PresenceRegistry maps participant id to role inside the shared document.
// Entries are only ever inserted, never overwritten or removed.
type PresenceRegistry struct {
	// every participant currently registers as admin.
	// Role escalation for non-creators is not decided yet.
	DefaultRole Role
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		DefaultRole: RoleAdmin,
	}
}

// inserts the participant with the default role if absent
func (self *PresenceRegistry) Register(root *docservice.Root, participantId string) error {
	if participantId == "" {
		return &ValidationError{Field: "participant", Message: "participant id is required"}
	}
	if err := root.SetIfAbsent(usersField, map[string]any{}); err != nil {
		return err
	}
	return root.SetEntryIfAbsent(usersField, participantId, string(self.DefaultRole))
}

func (self *PresenceRegistry) Role(root *docservice.Root, participantId string) (Role, bool) {
	value, ok := root.Entry(usersField, participantId)
	if !ok {
		return "", false
	}
	role, ok := value.(string)
	return Role(role), ok
}

// the participant roles recorded in the document fields
func Users(fields map[string]any) map[string]Role {
	users := map[string]Role{}
	entries, ok := fields[usersField].(map[string]any)
	if !ok {
		return users
	}
	for participantId, value := range entries {
		if role, ok := value.(string); ok {
			users[participantId] = Role(role)
		}
	}
	return users
}
