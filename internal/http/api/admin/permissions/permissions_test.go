package permissions

import "testing"

func TestDefinitionMapIncludesDraftPermissions(t *testing.T) {
	t.Parallel()

	definitionMap := DefinitionMap()
	requiredKeys := []string{
		"POST /v0/admin/drafts/open",
		"GET /v0/admin/drafts/:id/dry-run",
		"POST /v0/admin/drafts/:id/publish",
		"POST /v0/admin/collateral-rules/recompute",
		"POST /v0/admin/jobs/:queue/:id/retry",
	}

	for _, key := range requiredKeys {
		key := key
		t.Run(key, func(t *testing.T) {
			t.Parallel()
			if _, ok := definitionMap[key]; !ok {
				t.Fatalf("DefinitionMap() missing permission key %q", key)
			}
		})
	}
}

func TestDefinitionKeysAreUnique(t *testing.T) {
	t.Parallel()

	if got, want := len(DefinitionMap()), len(Definitions()); got != want {
		t.Fatalf("expected %d unique keys, got %d", want, got)
	}
}

func TestHasPermission(t *testing.T) {
	t.Parallel()

	granted := []string{" GET /v0/admin/drafts/:id "}
	if !HasPermission(granted, Key("get", "/v0/admin/drafts/:id")) {
		t.Fatalf("expected permission to be granted")
	}
	if HasPermission(granted, Key("POST", "/v0/admin/drafts/:id/publish")) {
		t.Fatalf("expected permission to be denied")
	}
}
