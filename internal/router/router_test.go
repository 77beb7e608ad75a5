package router

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableMatchLongestPrefixWins(t *testing.T) {
	table := NewTable([]Entry{
		{PathPrefix: "/api", Action: ProxyAction{TargetURL: "http://short"}},
		{PathPrefix: "/api/v1", Action: ProxyAction{TargetURL: "http://long"}},
	})

	e, ok := table.Match("/api/v1/users", "")
	require.True(t, ok)
	assert.Equal(t, "http://long", e.Action.(ProxyAction).TargetURL)
}

func TestTableMatchHostSpecificBeatsWildcardAtEqualLength(t *testing.T) {
	table := NewTable([]Entry{
		{PathPrefix: "/api", Host: "", Action: ProxyAction{TargetURL: "http://wildcard"}},
		{PathPrefix: "/api", Host: "a.example.com", Action: ProxyAction{TargetURL: "http://specific"}},
	})

	e, ok := table.Match("/api/x", "a.example.com")
	require.True(t, ok)
	assert.Equal(t, "http://specific", e.Action.(ProxyAction).TargetURL)

	e, ok = table.Match("/api/x", "b.example.com")
	require.True(t, ok)
	assert.Equal(t, "http://wildcard", e.Action.(ProxyAction).TargetURL)
}

func TestTableMatchNoneMatches(t *testing.T) {
	table := NewTable([]Entry{{PathPrefix: "/api", Action: ProxyAction{TargetURL: "http://x"}}})
	_, ok := table.Match("/other", "")
	assert.False(t, ok)
}

func TestEntryRewritePassesThroughOnNoMatch(t *testing.T) {
	e := &Entry{
		PathPrefix:      "/old",
		PathRewrite:     regexp.MustCompile(`^/old/(\d+)$`),
		RewriteTemplate: "/new/$1",
	}
	assert.Equal(t, "/new/42", e.Rewrite("/old/42"))
	assert.Equal(t, "/old/not-numeric", e.Rewrite("/old/not-numeric"))
}

func TestEntryRewriteNilRegexIsIdentity(t *testing.T) {
	e := &Entry{PathPrefix: "/x"}
	assert.Equal(t, "/x/y", e.Rewrite("/x/y"))
}

func TestEntryTargetURLs(t *testing.T) {
	proxyEntry := &Entry{Action: ProxyAction{TargetURL: "http://a"}}
	assert.Equal(t, []string{"http://a"}, proxyEntry.TargetURLs())

	lbEntry := &Entry{Action: LoadBalanceAction{Targets: []string{"http://a", "http://b"}}}
	assert.Equal(t, []string{"http://a", "http://b"}, lbEntry.TargetURLs())

	redirectEntry := &Entry{Action: RedirectAction{Target: "http://a"}}
	assert.Nil(t, redirectEntry.TargetURLs())
}
