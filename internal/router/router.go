// Package router implements the route matcher (C7): longest-prefix
// plus optional host selection over a live-replaceable route table,
// and the RouteAction tagged variant the proxy engine dispatches on.
package router

import (
	"regexp"
	"strings"
	"time"
)

// Action is the tagged variant over the five route actions. Each
// concrete type owns only the data its kind needs, keeping dispatch in
// the proxy engine a single type switch rather than a polymorphic
// hierarchy.
type Action interface {
	isAction()
}

type ProxyAction struct {
	TargetURL string
}

type LoadBalanceAction struct {
	Targets         []string
	Strategy        string
	StrictUnhealthy bool
}

type RedirectAction struct {
	Target string
	Status int
}

type StaticAction struct {
	RootDir string
}

type WebSocketAction struct {
	TargetURL     string
	MaxMsgBytes   int64
	MaxFrameBytes int64
	Subprotocols  []string
	IdleTimeout   time.Duration
}

func (ProxyAction) isAction()       {}
func (LoadBalanceAction) isAction() {}
func (RedirectAction) isAction()    {}
func (StaticAction) isAction()      {}
func (WebSocketAction) isAction()   {}

// HeaderOps mirrors config.HeaderOps so this package doesn't need to
// import config for its runtime data model.
type HeaderOps struct {
	Add    map[string]string
	Remove []string
}

// Entry is one compiled, routable entry. PathRewrite, when non-nil, is
// applied to the full request path before dispatch; when it doesn't
// match, the original path is forwarded unchanged (per spec Open
// Question (b) resolution).
type Entry struct {
	PathPrefix      string
	Host            string // "" = wildcard, matches any Host header
	Action          Action
	PathRewrite     *regexp.Regexp
	RewriteTemplate string
	LimiterID       string // "" = no rate limiting on this route
	RequestHeaders  HeaderOps
	ResponseHeaders HeaderOps
}

// Table is an immutable, ordered route table. It is never mutated
// after construction; reloads build a new Table and publish it via
// state.Registry.
type Table struct {
	entries []Entry
}

func NewTable(entries []Entry) *Table {
	return &Table{entries: append([]Entry(nil), entries...)}
}

func (t *Table) Entries() []Entry { return t.entries }

// Match finds the entry whose PathPrefix is a prefix of path and whose
// Host equals the request's Host header or is unset (wildcard).
// Tie-break: longest PathPrefix wins; among equal-length prefixes, a
// host-specific entry wins over a wildcard one.
func (t *Table) Match(path, host string) (*Entry, bool) {
	var best *Entry
	for i := range t.entries {
		e := &t.entries[i]
		if !strings.HasPrefix(path, e.PathPrefix) {
			continue
		}
		if e.Host != "" && e.Host != host {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func better(candidate, current *Entry) bool {
	if len(candidate.PathPrefix) != len(current.PathPrefix) {
		return len(candidate.PathPrefix) > len(current.PathPrefix)
	}
	// Same length: host-specific beats wildcard.
	candidateSpecific := candidate.Host != ""
	currentSpecific := current.Host != ""
	return candidateSpecific && !currentSpecific
}

// Rewrite applies PathRewrite to the full path, returning the rewritten
// path. If the regex doesn't match, path is returned unchanged.
func (e *Entry) Rewrite(path string) string {
	if e.PathRewrite == nil {
		return path
	}
	if !e.PathRewrite.MatchString(path) {
		return path
	}
	return e.PathRewrite.ReplaceAllString(path, e.RewriteTemplate)
}

// TargetURLs returns every distinct backend URL this entry's action
// touches, used to build the health tracker's activation set.
func (e *Entry) TargetURLs() []string {
	switch a := e.Action.(type) {
	case ProxyAction:
		return []string{a.TargetURL}
	case LoadBalanceAction:
		return append([]string(nil), a.Targets...)
	case WebSocketAction:
		return []string{a.TargetURL}
	default:
		return nil
	}
}
