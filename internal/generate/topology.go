package generate

import (
	"strings"

	"appforge/internal/types"
)

// roleOrder is the fixed dependency topology for generated applications:
// schema before data access, data access before API routes, API before the
// UI and the entrypoint, packaging and docs last.
var roleOrder = []types.FileRole{
	types.RoleSchema,
	types.RoleDataAccess,
	types.RoleAPI,
	types.RoleFrontend,
	types.RoleEntrypoint,
	types.RoleConfig,
	types.RoleDocs,
}

// roleDeps lists, per role, the roles that must exist before it is
// generated.
var roleDeps = map[types.FileRole][]types.FileRole{
	types.RoleDataAccess: {types.RoleSchema},
	types.RoleAPI:        {types.RoleDataAccess},
	types.RoleFrontend:   {types.RoleAPI},
	types.RoleEntrypoint: {types.RoleAPI},
	types.RoleConfig:     {types.RoleFrontend, types.RoleEntrypoint},
	types.RoleDocs:       {types.RoleConfig},
}

// Roles returns the full topology in dependency order.
func Roles() []types.FileRole {
	out := make([]types.FileRole, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// adjacency builds the scheduler adjacency list (edge dep -> dependent) over
// roleOrder indices.
func adjacency() ([][]int, map[types.FileRole]int) {
	idx := make(map[types.FileRole]int, len(roleOrder))
	for i, r := range roleOrder {
		idx[r] = i
	}
	adj := make([][]int, len(roleOrder))
	for role, deps := range roleDeps {
		for _, dep := range deps {
			adj[idx[dep]] = append(adj[idx[dep]], idx[role])
		}
	}
	return adj, idx
}

// SuggestedPath proposes the conventional path for a role under the chosen
// stack. The model may override it, but offline clients and prompts use it
// as the anchor.
func SuggestedPath(role types.FileRole, plan types.StackPlan) string {
	python := hasLanguage(plan, "python")
	switch role {
	case types.RoleSchema:
		if python {
			return "app/models.py"
		}
		return "server/models.js"
	case types.RoleDataAccess:
		if python {
			return "app/crud.py"
		}
		return "server/store.js"
	case types.RoleAPI:
		if python {
			return "app/routes.py"
		}
		return "server/routes.js"
	case types.RoleFrontend:
		return "src/App.jsx"
	case types.RoleEntrypoint:
		if python {
			return "app/main.py"
		}
		return "server/index.js"
	case types.RoleConfig:
		return "docker-compose.yml"
	case types.RoleDocs:
		return "README.md"
	}
	return string(role) + ".txt"
}

func hasLanguage(plan types.StackPlan, lang string) bool {
	for _, l := range plan.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}
