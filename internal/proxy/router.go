package proxy

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gameforge/api-gateway/internal/auth"
	"github.com/gameforge/api-gateway/internal/config"
	"github.com/gameforge/api-gateway/internal/registry"
)

// MethodClass splits HTTP methods into the two classes the pipeline cares
// about: safe reads may be cached and retried, mutations may not.
type MethodClass int

const (
	ClassSafeRead MethodClass = iota
	ClassMutating
)

func ClassOf(method string) MethodClass {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassSafeRead
	}
	return ClassMutating
}

// Target is a resolved route: which service handles the request and the
// path the upstream should see.
type Target struct {
	Service *registry.Service
	Prefix  string
	Rest    string
	Class   MethodClass
	Auth    auth.Policy
}

type tableEntry struct {
	prefix  string
	service *registry.Service
	auth    string // "" means derive from method class
}

// Router maps /api/<prefix>/* to a service by longest-prefix match of the
// second path segment. The table is fixed at startup; Resolve is a pure
// function of (method, path).
type Router struct {
	table []tableEntry
}

var ErrNoRoutes = errors.New("no routes")

func NewRouter(reg *registry.Registry, routes []config.RouteConfig) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	rt := &Router{table: make([]tableEntry, 0, len(routes))}
	for _, rc := range routes {
		svc, ok := reg.Lookup(rc.Service)
		if !ok {
			return nil, errors.New("route " + rc.Prefix + ": unknown service " + rc.Service)
		}
		rt.table = append(rt.table, tableEntry{prefix: rc.Prefix, service: svc, auth: rc.Auth})
	}
	sort.Slice(rt.table, func(i, j int) bool {
		return len(rt.table[i].prefix) > len(rt.table[j].prefix)
	})
	return rt, nil
}

// Resolve matches a request against the table. Paths must carry the /api
// top-level segment; the remainder (with /api stripped) is what the
// upstream sees. Matching is case-sensitive.
func (rt *Router) Resolve(method, path string) (*Target, bool) {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return nil, false
	}
	seg := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		seg = rest[:i]
	}
	if seg == "" {
		return nil, false
	}

	for _, e := range rt.table {
		if !strings.HasPrefix(seg, e.prefix) {
			continue
		}
		t := &Target{
			Service: e.service,
			Prefix:  seg,
			Rest:    "/" + rest,
			Class:   ClassOf(method),
		}
		switch e.auth {
		case "none":
			t.Auth = auth.PolicyNone
		case "optional":
			t.Auth = auth.PolicyOptional
		case "required":
			t.Auth = auth.PolicyRequired
		default:
			if t.Class == ClassSafeRead {
				t.Auth = auth.PolicyOptional
			} else {
				t.Auth = auth.PolicyRequired
			}
		}
		return t, true
	}
	return nil, false
}

// DefaultPolicy derives the auth requirement for a request that matched no
// route. Stage order puts authentication ahead of routing, so an unknown
// path still gets the method-class policy before its 404.
func DefaultPolicy(method string) auth.Policy {
	if ClassOf(method) == ClassSafeRead {
		return auth.PolicyOptional
	}
	return auth.PolicyRequired
}
