package carddav

import (
	"strconv"

	"github.com/spilldb/jmapd/jmap"
)

// stripSpuriousDeletes collapses the raw removal artifact of an
// in-place replace (no unbind flag is involved): ReplaceCard always logs a removal for the superseded
// version alongside the live row's changed event, so a UID that shows up
// alive in this same window must have its removed entry dropped -- it
// was never actually deleted from the client's point of view.
func stripSpuriousDeletes(metas []CardMeta) (changed, removed []string) {
	alive := make(map[string]bool, len(metas))
	for _, m := range metas {
		if m.Alive {
			alive[m.UID] = true
		}
	}
	seenChanged := make(map[string]bool, len(metas))
	seenRemoved := make(map[string]bool, len(metas))
	for _, m := range metas {
		if m.Alive {
			if !seenChanged[m.UID] {
				changed = append(changed, m.UID)
				seenChanged[m.UID] = true
			}
			continue
		}
		if alive[m.UID] {
			continue // spurious: superseded by a later changed event for the same uid
		}
		if !seenRemoved[m.UID] {
			removed = append(removed, m.UID)
			seenRemoved[m.UID] = true
		}
	}
	return changed, removed
}

// updatesHandler drives the shared getContactUpdates/getContactGroupUpdates
// shape. When the fetchKey argument is true, the changed ids are forwarded
// to getHandler as a second, synthetic invocation under the same
// client tag -- properties and addressbookId, if given, ride along
// unchanged -- so the fetched objects go through the exact same
// lookup, scoping and property-filtering path as a direct getContacts/
// getContactGroups call rather than a second, divergent read path.
func updatesHandler(store Store, kind Kind, fetchKey string, getHandler jmap.Handler) jmap.Handler {
	return func(ctx *jmap.Context) error {
		sinceRaw, _ := ctx.Args["sinceState"].(string)
		since, err := strconv.ParseInt(sinceRaw, 10, 64)
		if sinceRaw == "" || err != nil || since < 0 {
			ctx.RespondError(jmap.ErrStateMismatch)
			return nil
		}
		doFetch, _ := ctx.Args[fetchKey].(bool)

		metas, err := store.GetUpdates(since, kind)
		if err != nil {
			return err
		}
		changed, removed := stripSpuriousDeletes(metas)

		updatesName := "contactUpdates"
		if kind == KindGroup {
			updatesName = "contactGroupUpdates"
		}
		ctx.Respond(updatesName, map[string]interface{}{
			"accountId": ctx.AccountID,
			"oldState":  sinceRaw,
			"newState":  ctx.State,
			"changed":   changed,
			"removed":   removed,
		})

		if doFetch && len(changed) > 0 {
			ids := make([]interface{}, len(changed))
			for i, id := range changed {
				ids[i] = id
			}
			fetchArgs := map[string]interface{}{"ids": ids}
			if props, ok := ctx.Args["properties"]; ok {
				fetchArgs["properties"] = props
			}
			if abookID, ok := ctx.Args["addressbookId"]; ok {
				fetchArgs["addressbookId"] = abookID
			}

			origArgs := ctx.Args
			ctx.Args = fetchArgs
			err := getHandler(ctx)
			ctx.Args = origArgs
			if err != nil {
				return err
			}
		}

		return nil
	}
}

// GetContactUpdatesHandler returns the "getContactUpdates" handler.
func GetContactUpdatesHandler(store Store) jmap.Handler {
	return updatesHandler(store, KindContact, "fetchContacts", GetContactsHandler(store))
}

// GetContactGroupUpdatesHandler returns the "getContactGroupUpdates"
// handler.
func GetContactGroupUpdatesHandler(store Store) jmap.Handler {
	return updatesHandler(store, KindGroup, "fetchContactGroups", GetContactGroupsHandler(store))
}
