// Package rest implements the REST facade (spec §6): the `/0.2` resource
// tree over the engine, gorilla/mux routing, and the
// application/vnd.proformatique.provd+json media type, grounded on the
// teacher's internal/api/handlers/history package for the
// struct-with-logger-and-sendJSON handler shape and on
// internal/api/middleware for status-code/content-negotiation
// conventions.
package rest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/proformatique/provd/internal/collection"
)

// ParseSelector implements spec §6's q/q64 precedence: when both are
// present, q64 (base64-encoded JSON) takes priority over the bare q
// query param, since it's the one capable of carrying arbitrary bytes
// safely (spec §9 open question, resolved in favor of q64 winning).
func ParseSelector(r *http.Request) (collection.Selector, error) {
	if encoded := r.URL.Query().Get("q64"); encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		var sel collection.Selector
		if err := json.Unmarshal(raw, &sel); err != nil {
			return nil, err
		}
		return sel, nil
	}
	if raw := r.URL.Query().Get("q"); raw != "" {
		var sel collection.Selector
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			return nil, err
		}
		return sel, nil
	}
	return collection.Selector{}, nil
}

// ParseFindOptions reads fields/skip/limit/sort/sort_ord from the query
// string (spec §6).
func ParseFindOptions(r *http.Request) collection.FindOptions {
	q := r.URL.Query()
	opts := collection.FindOptions{
		Sort: q.Get("sort"),
	}
	if fields := q["fields"]; len(fields) > 0 {
		opts.Fields = fields
	}
	if v, err := strconv.Atoi(q.Get("skip")); err == nil {
		opts.Skip = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	switch q.Get("sort_ord") {
	case "DESC":
		opts.Order = collection.Desc
	default:
		opts.Order = collection.Asc
	}
	return opts
}

// Recurse reports whether the recurse=1/true query flag was set (spec
// §6, used by /dev_mgr/devices to also return devices of descendant
// configs).
func Recurse(r *http.Request) bool {
	v := r.URL.Query().Get("recurse")
	return v == "1" || v == "true"
}
