package core

import "fmt"

// AgentRole identifies one of the closed set of agent capabilities a chain
// step may dispatch to. Roles are validated at definition time so that an
// unknown role is rejected by the registry instead of failing mid-run.
type AgentRole string

const (
	// RoleAnalyst performs requirement and problem analysis.
	RoleAnalyst AgentRole = "analyst"
	// RoleArchitect produces system and component designs.
	RoleArchitect AgentRole = "architect"
	// RoleDeveloper implements designs into working artifacts.
	RoleDeveloper AgentRole = "developer"
	// RoleTester derives and executes verification strategies.
	RoleTester AgentRole = "tester"
	// RoleReviewer critiques artifacts produced by earlier steps.
	RoleReviewer AgentRole = "reviewer"
	// RoleOptimizer tunes artifacts against declared targets.
	RoleOptimizer AgentRole = "optimizer"
	// RoleDocumenter produces user-facing documentation.
	RoleDocumenter AgentRole = "documenter"
)

// AgentRoles lists every recognized role in a stable order.
var AgentRoles = []AgentRole{
	RoleAnalyst,
	RoleArchitect,
	RoleDeveloper,
	RoleTester,
	RoleReviewer,
	RoleOptimizer,
	RoleDocumenter,
}

// Valid reports whether the role belongs to the closed enumeration.
func (r AgentRole) Valid() bool {
	for _, known := range AgentRoles {
		if r == known {
			return true
		}
	}
	return false
}

// String returns the role identifier.
func (r AgentRole) String() string { return string(r) }

// ParseAgentRole converts a raw string into an AgentRole, rejecting values
// outside the closed set.
func ParseAgentRole(s string) (AgentRole, error) {
	r := AgentRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown agent role %q", ErrInvalidDefinition, s)
	}
	return r, nil
}
