package roles

import (
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Role is an opaque 32-byte capability identifier derived from a
// human-readable name.
type Role [32]byte

func roleID(name string) Role {
	return Role(ethcrypto.Keccak256Hash([]byte(name)))
}

// Intrinsic roles are assigned once at deployment.
var (
	RoleAdmin     = roleID("_ADMIN_")
	RoleArbiter   = roleID("ARBITER")
	RoleTreasurer = roleID("TREASURER")
	RoleCollector = roleID("COLLECTOR")
)

// Lifecycle-derived roles are granted and revoked exclusively as side effects
// of lifecycle transitions, never directly by a caller.
var (
	RoleBorrower            = roleID("BORROWER")
	RoleLender              = roleID("LENDER")
	RoleParticipant         = roleID("PARTICIPANT")
	RoleCollateralOwner     = roleID("COLLATERAL_OWNER")
	RoleCollateralApprover  = roleID("COLLATERAL_APPROVER")
	RoleCollateralCustodian = roleID("COLLATERAL_CUSTODIAN")
)

var roleNames = map[Role]string{
	RoleAdmin:               "_ADMIN_",
	RoleArbiter:             "ARBITER",
	RoleTreasurer:           "TREASURER",
	RoleCollector:           "COLLECTOR",
	RoleBorrower:            "BORROWER",
	RoleLender:              "LENDER",
	RoleParticipant:         "PARTICIPANT",
	RoleCollateralOwner:     "COLLATERAL_OWNER",
	RoleCollateralApprover:  "COLLATERAL_APPROVER",
	RoleCollateralCustodian: "COLLATERAL_CUSTODIAN",
}

// Name returns the human-readable name a role identifier was derived from, or
// the empty string for unknown roles.
func (r Role) Name() string {
	return roleNames[r]
}

// ByName resolves a role identifier from its human-readable name. The second
// return is false for names outside the known role set.
func ByName(name string) (Role, bool) {
	id := roleID(name)
	_, known := roleNames[id]
	return id, known
}

// Intrinsic reports whether the role belongs to the deployment-assigned set.
func (r Role) Intrinsic() bool {
	switch r {
	case RoleAdmin, RoleArbiter, RoleTreasurer, RoleCollector:
		return true
	default:
		return false
	}
}

// debtScope keys a lifecycle-derived role grant to the loan it was earned on.
type debtScope struct {
	role   Role
	debtID uint64
}

// Registry is a pure capability map from account to role set. Every mutating
// engine operation consults it before touching state. Intrinsic roles are
// global; lifecycle-derived roles are held per debt, so revoking a grant on
// one loan never touches the same account's position on another.
type Registry struct {
	mu      sync.RWMutex
	members map[Role]map[[20]byte]bool
	scoped  map[debtScope]map[[20]byte]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[Role]map[[20]byte]bool),
		scoped:  make(map[debtScope]map[[20]byte]bool),
	}
}

// Grant adds account to the role's member set.
func (r *Registry) Grant(role Role, account [20]byte) {
	if r == nil || account == ([20]byte{}) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[role]
	if !ok {
		set = make(map[[20]byte]bool)
		r.members[role] = set
	}
	set[account] = true
}

// Revoke removes account from the role's member set.
func (r *Registry) Revoke(role Role, account [20]byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.members[role]; ok {
		delete(set, account)
	}
}

// Has reports whether account currently holds the role.
func (r *Registry) Has(role Role, account [20]byte) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[role][account]
}

// GrantScoped adds account to the role's member set on one specific debt.
func (r *Registry) GrantScoped(role Role, debtID uint64, account [20]byte) {
	if r == nil || account == ([20]byte{}) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := debtScope{role: role, debtID: debtID}
	set, ok := r.scoped[key]
	if !ok {
		set = make(map[[20]byte]bool)
		r.scoped[key] = set
	}
	set[account] = true
}

// RevokeScoped removes account from the role's member set on one debt without
// touching grants the account holds through other debts.
func (r *Registry) RevokeScoped(role Role, debtID uint64, account [20]byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := debtScope{role: role, debtID: debtID}
	if set, ok := r.scoped[key]; ok {
		delete(set, account)
		if len(set) == 0 {
			delete(r.scoped, key)
		}
	}
}

// HasScoped reports whether account currently holds the role on the debt.
func (r *Registry) HasScoped(role Role, debtID uint64, account [20]byte) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scoped[debtScope{role: role, debtID: debtID}][account]
}

// Members returns a snapshot of the accounts holding the role.
func (r *Registry) Members(role Role) [][20]byte {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][20]byte, 0, len(r.members[role]))
	for account := range r.members[role] {
		out = append(out, account)
	}
	return out
}
