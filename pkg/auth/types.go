package auth

// Permissions checked by the HTTP surface.
const (
	PermChat        = "chat:send"
	PermDecide      = "actions:decide"
	PermViewActions = "actions:read"
	PermExportAudit = "audit:export"
)

// Roles and the permissions they carry. "admin" carries everything.
var rolePermissions = map[string][]string{
	"operator": {PermChat, PermDecide, PermViewActions},
	"agent":    {PermChat, PermViewActions},
	"auditor":  {PermViewActions, PermExportAudit},
}

// Principal is the interface for any entity making a request (operator,
// service account, system).
type Principal interface {
	GetID() string
	GetTenantID() string
	GetRoles() []string
	HasPermission(perm string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID       string
	TenantID string
	Roles    []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetTenantID() string {
	return b.TenantID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasPermission(perm string) bool {
	for _, role := range b.Roles {
		if role == "admin" {
			return true
		}
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}
