// Package httpapi is the /jmap HTTP surface, adapted from
// original_source/imap/http_jmap.c's meth_post: it owns request framing
// (method, Content-Type, body size) and status-code mapping, and hands the
// decoded invocation array to jmap.Execute.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/spilldb/jmapd/account"
	"github.com/spilldb/jmapd/jmap"
)

const maxBodyBytes = 16 << 20

// AccountStores maps an authenticated account id to the store jmap.Execute
// should run against. One jmapd process serves many accounts, each with
// its own jmapstore.Store; AccountStores closes over that lookup.
// addressbookPrefix is the per-account mailbox namespace recorded at
// account creation (account.AddUser); it is only consulted the first
// time a given account's store is opened, so later calls may pass "".
type AccountStores interface {
	Store(accountID, addressbookPrefix string) (jmap.Store, bool)
}

// Handler builds the http.Handler for POST /jmap, authenticating against
// accountDB (account.Authenticate) and dispatching into registry. When
// pretty is true, batch responses are indented; only meant for local
// debugging since it costs extra bytes on every response.
func Handler(accountDB *sqlitex.Pool, stores AccountStores, registry jmap.Registry, pretty bool, logf func(format string, v ...interface{})) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			w.Header().Set("Allow", "GET, HEAD, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ct := r.Header.Get("Content-Type")
		if ct != "" && ct != "application/json" && ct != "application/json; charset=utf-8" {
			http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			return
		}

		accountID, addressbookPrefix, ok := authenticate(accountDB, r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="jmap"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		store, ok := stores.Store(accountID, addressbookPrefix)
		if !ok {
			http.Error(w, "no such account", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			http.Error(w, "error reading body", http.StatusBadRequest)
			return
		}
		if len(body) > maxBodyBytes {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}

		invocations, err := jmap.DecodeBody(body)
		if err != nil {
			logf("httpapi: bad request from %s: %v", accountID, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		responses, err := jmap.Execute(store, registry, accountID, invocations)
		if err != nil {
			logf("httpapi: batch error for %s: %v", accountID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		if pretty {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(responses); err != nil {
			logf("httpapi: response encode error for %s: %v", accountID, err)
		}
	})
}

func authenticate(accountDB *sqlitex.Pool, r *http.Request) (accountID, addressbookPrefix string, ok bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	conn := accountDB.Get(r.Context())
	if conn == nil {
		return "", "", false
	}
	defer accountDB.Put(conn)

	userID, addressbookPrefix, authed, err := account.Authenticate(conn, user, pass)
	if err != nil || !authed {
		return "", "", false
	}
	return formatAccountID(userID), addressbookPrefix, true
}

func formatAccountID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
