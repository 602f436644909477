// Package permissions lists the admin API routes as grantable permissions.
package permissions

import (
	"sort"
	"strings"
)

// Definition describes one grantable admin route.
type Definition struct {
	Key    string
	Method string
	Path   string
	Label  string
	Module string
}

var definitions = []Definition{
	def("GET", "/v0/admin/permissions", "List permissions", "System"),

	def("GET", "/v0/admin/collateral-rules", "List collateral rules", "Collateral Rules"),
	def("GET", "/v0/admin/collateral-rules/:id", "Get collateral rule", "Collateral Rules"),
	def("POST", "/v0/admin/collateral-rules", "Create collateral rule", "Collateral Rules"),
	def("PUT", "/v0/admin/collateral-rules/:id", "Update collateral rule", "Collateral Rules"),
	def("POST", "/v0/admin/collateral-rules/:id/enabled", "Enable or disable collateral rule", "Collateral Rules"),
	def("DELETE", "/v0/admin/collateral-rules/:id", "Delete collateral rule", "Collateral Rules"),
	def("POST", "/v0/admin/collateral-rules/recompute", "Recompute collateral totals", "Collateral Rules"),

	def("GET", "/v0/admin/members/:id/collateral-total", "Preview member collateral total", "Members"),

	def("POST", "/v0/admin/drafts/open", "Open draft", "Drafts"),
	def("GET", "/v0/admin/drafts/current", "Get current draft", "Drafts"),
	def("GET", "/v0/admin/drafts/:id", "Get draft", "Drafts"),
	def("POST", "/v0/admin/drafts/:id/edits", "Add draft edit", "Drafts"),
	def("DELETE", "/v0/admin/drafts/:id/edits/:edit_id", "Remove draft edit", "Drafts"),
	def("GET", "/v0/admin/drafts/:id/dry-run", "Dry-run draft", "Drafts"),
	def("POST", "/v0/admin/drafts/:id/publish", "Publish draft", "Drafts"),
	def("POST", "/v0/admin/drafts/:id/cancel", "Cancel draft", "Drafts"),

	def("GET", "/v0/admin/jobs/:queue/counts", "Job counts", "Jobs"),
	def("GET", "/v0/admin/jobs/:queue/failed", "List failed jobs", "Jobs"),
	def("GET", "/v0/admin/jobs/:queue/:id", "Get job", "Jobs"),
	def("POST", "/v0/admin/jobs/:queue/:id/retry", "Retry job", "Jobs"),
}

func def(method, path, label, module string) Definition {
	return Definition{Key: Key(method, path), Method: method, Path: path, Label: label, Module: module}
}

// Key builds the permission key of a route.
func Key(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

// Definitions returns every permission sorted by module then key.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// DefinitionMap indexes the definitions by key.
func DefinitionMap() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		out[d.Key] = d
	}
	return out
}

// HasPermission reports whether granted contains key.
func HasPermission(granted []string, key string) bool {
	for _, p := range granted {
		if strings.TrimSpace(p) == key {
			return true
		}
	}
	return false
}
