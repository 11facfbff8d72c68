package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_OmitsIntegrationsWithoutCredentials(t *testing.T) {
	t.Parallel()

	c := DefaultCatalog()

	t.Run("no credentials", func(t *testing.T) {
		r := c.Build(Credentials{})
		assert.Equal(t, []string{"web_search"}, r.Names(),
			"only the no-auth integration should load")
	})

	t.Run("gmail token present", func(t *testing.T) {
		r := c.Build(Credentials{"gmail": "tok-1"})
		assert.Equal(t, []string{"gmail", "web_search"}, r.Names())

		tool, ok := r.Lookup("send_mail")
		require.True(t, ok)
		assert.Equal(t, ApprovalMandatory, tool.Class)
		assert.Equal(t, "gmail", tool.Integration)
	})

	t.Run("empty token is missing", func(t *testing.T) {
		r := c.Build(Credentials{"slack": ""})
		_, ok := r.Lookup("post_message")
		assert.False(t, ok)
	})
}

func TestRegistry_IntegrationSnapshot(t *testing.T) {
	t.Parallel()

	r := DefaultCatalog().Build(Credentials{"gmail": "tok", "slack": "tok"})

	byName := make(map[string]Integration)
	for _, in := range r.Integrations() {
		byName[in.Name] = in
	}

	require.Contains(t, byName, "web_search")
	assert.Equal(t, 2, byName["web_search"].ToolCount)
	assert.Equal(t, ApprovalSilent, byName["web_search"].Class)

	assert.Equal(t, ApprovalMandatory, byName["gmail"].Class)
	assert.Equal(t, ApprovalAdvisory, byName["slack"].Class)
	assert.Equal(t, "Gmail", byName["gmail"].DisplayName)
}

func TestRegistry_ToolsFor(t *testing.T) {
	t.Parallel()

	r := DefaultCatalog().Build(Credentials{"gmail": "tok"})

	t.Run("tool name hint", func(t *testing.T) {
		ts := r.ToolsFor([]string{"web_search"})
		// "web_search" names both a tool and an integration; the tool wins
		require.Len(t, ts, 1)
		assert.Equal(t, "web_search", ts[0].Name)
	})

	t.Run("integration hint", func(t *testing.T) {
		ts := r.ToolsFor([]string{"gmail"})
		require.Len(t, ts, 1)
		assert.Equal(t, "send_mail", ts[0].Name)
	})

	t.Run("unresolved hint falls back to all", func(t *testing.T) {
		ts := r.ToolsFor([]string{"no_such_tool"})
		assert.Len(t, ts, len(r.Tools()))
	})

	t.Run("empty hints fall back to all", func(t *testing.T) {
		ts := r.ToolsFor(nil)
		assert.Len(t, ts, len(r.Tools()))
	})

	t.Run("duplicate hints deduplicate", func(t *testing.T) {
		ts := r.ToolsFor([]string{"send_mail", "gmail"})
		assert.Len(t, ts, 1)
	})
}

func TestRegistry_WithIntegration(t *testing.T) {
	t.Parallel()

	c := DefaultCatalog()
	r := c.Build(Credentials{"gmail": "tok", "slack": "tok"})

	t.Run("loads deferred integration", func(t *testing.T) {
		// slack authorized but suppose classification only loaded web_search+gmail;
		// rebuild narrow, then extend.
		narrow := c.Build(Credentials{"gmail": "tok"})
		_, ok := narrow.Lookup("post_message")
		require.False(t, ok)

		extended, in, err := r.WithIntegration("slack")
		require.NoError(t, err)
		assert.Equal(t, "slack", in.Name)
		_, ok = extended.Lookup("post_message")
		assert.True(t, ok)
	})

	t.Run("already loaded is a no-op", func(t *testing.T) {
		same, in, err := r.WithIntegration("gmail")
		require.NoError(t, err)
		assert.Same(t, r, same)
		assert.Equal(t, "gmail", in.Name)
	})

	t.Run("missing credential fails", func(t *testing.T) {
		narrow := c.Build(Credentials{})
		_, _, err := narrow.WithIntegration("google_docs")
		assert.Error(t, err)
	})

	t.Run("unknown integration fails", func(t *testing.T) {
		_, _, err := r.WithIntegration("jira")
		assert.Error(t, err)
	})
}

func TestCatalog_IntegrationForTool(t *testing.T) {
	t.Parallel()

	c := DefaultCatalog()

	name, ok := c.IntegrationForTool("create_document")
	require.True(t, ok)
	assert.Equal(t, "google_docs", name)

	name, ok = c.IntegrationForTool("fetch_page")
	require.True(t, ok)
	assert.Equal(t, "web_search", name)

	_, ok = c.IntegrationForTool("no_such_tool")
	assert.False(t, ok)
}

func TestApprovalClass_Stricter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ApprovalMandatory, ApprovalSilent.Stricter(ApprovalMandatory))
	assert.Equal(t, ApprovalMandatory, ApprovalMandatory.Stricter(ApprovalAdvisory))
	assert.Equal(t, ApprovalAdvisory, ApprovalSilent.Stricter(ApprovalAdvisory))
	assert.Equal(t, ApprovalSilent, ApprovalSilent.Stricter(ApprovalSilent))
}

func TestCatalog_BuildFor(t *testing.T) {
	t.Parallel()

	c := DefaultCatalog()
	creds := Credentials{"gmail": "tok", "slack": "tok"}

	r := c.BuildFor(creds, []string{"web_search", "gmail"})
	assert.ElementsMatch(t, []string{"web_search", "gmail"}, r.Names())

	// named but uncredentialed integrations stay out
	r = c.BuildFor(Credentials{}, []string{"web_search", "gmail"})
	assert.Equal(t, []string{"web_search"}, r.Names())

	// deferred integrations load later from the retained credential bag
	r = c.BuildFor(creds, []string{"web_search"})
	extended, added, err := r.WithIntegration("slack")
	require.NoError(t, err)
	assert.Equal(t, "slack", added.Name)
	assert.ElementsMatch(t, []string{"web_search", "slack"}, extended.Names())
}

func TestRegistry_ResolveHints(t *testing.T) {
	t.Parallel()

	r := DefaultCatalog().Build(Credentials{"gmail": "tok"})

	// unresolved hints return nothing instead of the full tool set
	assert.Empty(t, r.ResolveHints([]string{"no_such_tool"}))
	assert.Empty(t, r.ResolveHints(nil))

	tools := r.ResolveHints([]string{"send_mail", "gmail"})
	require.Len(t, tools, 1)
	assert.Equal(t, "send_mail", tools[0].Name)

	// ToolsFor keeps the permissive fallback for execution
	assert.NotEmpty(t, r.ToolsFor([]string{"no_such_tool"}))
}
