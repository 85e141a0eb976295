// Package admin implements the command dispatcher that sits in front of
// the router and the ring: route requests, add/remove backends.
package admin

import (
	"go.uber.org/zap"

	"github.com/ringhash/ringhashd/internal/backend"
	"github.com/ringhash/ringhashd/internal/ring"
	"github.com/ringhash/ringhashd/internal/router"
)

// Router is the subset of *router.Router that AdminAPI depends on.
type Router interface {
	Route(key float64, payload map[string]any) map[string]any
}

var _ Router = (*router.Router)(nil)

// API dispatches incoming commands against a Ring and a Router.
type API struct {
	ring   *ring.Ring
	router Router
	log    *zap.SugaredLogger
}

// New constructs an API bound to r and rt.
func New(r *ring.Ring, rt Router, log *zap.SugaredLogger) *API {
	return &API{ring: r, router: rt, log: log.Named("admin")}
}

// HandleCommand dispatches msg on the first recognized key: "key" routes
// a request; "add" registers backends; "remove" deregisters them; any
// other shape returns an Unknown command error.
func (a *API) HandleCommand(msg map[string]any) map[string]any {
	if key, ok := msg["key"]; ok {
		k, ok := asFloat(key)
		if !ok {
			return fail("invalid key")
		}
		return a.router.Route(k, msg)
	}

	if raw, ok := msg["add"]; ok {
		return a.handleAdd(raw)
	}

	if raw, ok := msg["remove"]; ok {
		return a.handleRemove(raw)
	}

	return fail("Unknown command")
}

func (a *API) handleAdd(raw any) map[string]any {
	entries, ok := raw.([]any)
	if !ok {
		return fail("add requires a list of entries")
	}

	a.ring.Gate.WLock()
	defer a.ring.Gate.WUnlock()

	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return fail("add entry must be an object")
		}

		host, _ := entry["host"].(string)
		port, ok := asFloat(entry["port"])
		if !ok {
			return fail("add entry requires numeric port")
		}
		key, ok := asFloat(entry["key"])
		if !ok {
			return fail("add entry requires numeric key")
		}

		b := backend.New(host, int(port), key, true)
		if err := a.ring.AddPrimary(key, b); err != nil {
			a.log.Warnw("add rejected", "host", host, "port", int(port), "key", key, "error", err)
			return fail(err.Error())
		}
		a.log.Infow("backend added", "host", host, "port", int(port), "key", key)
	}
	return map[string]any{"status": true}
}

func (a *API) handleRemove(raw any) map[string]any {
	entries, ok := raw.([]any)
	if !ok {
		return fail("remove requires a list of entries")
	}

	a.ring.Gate.WLock()
	defer a.ring.Gate.WUnlock()

	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return fail("remove entry must be an object")
		}
		key, ok := asFloat(entry["key"])
		if !ok {
			return fail("remove entry requires numeric key")
		}
		if err := a.ring.RemovePrimary(key); err != nil {
			a.log.Warnw("remove rejected", "key", key, "error", err)
			return fail(err.Error())
		}
		a.log.Infow("backend removed", "key", key)
	}
	return map[string]any{"status": true}
}

func fail(msg string) map[string]any {
	return map[string]any{"status": false, "msg": msg}
}

// asFloat extracts a float64 from the JSON-decoded value v, which may
// arrive as float64 (normal json.Unmarshal numeric decoding) or as an
// int when constructed directly in tests.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
