package carddav

import (
	"bytes"
	"encoding/json"

	"github.com/emersion/go-vcard"
	"github.com/spilldb/jmapd/jmap"
)

// GetContactsHandler returns the "getContacts" handler: ids
// null fetches every live contact in the addressbookId address book
// (default "Default"), otherwise exactly the
// requested ids; properties, if present, trims the response object down to
// that key set (id is always kept).
func GetContactsHandler(store Store) jmap.Handler {
	return func(ctx *jmap.Context) error {
		ids, idsGiven, err := stringListArg(ctx.Args, "ids")
		if err != nil {
			ctx.RespondError(jmap.ErrInvalidArguments)
			return nil
		}
		properties, _, err := stringListArg(ctx.Args, "properties")
		if err != nil {
			ctx.RespondError(jmap.ErrInvalidArguments)
			return nil
		}
		abookID, _ := ctx.Args["addressbookId"].(string)

		metas, notFound, err := resolveMetas(store, KindContact, abookID, ids, idsGiven)
		if err != nil {
			return err
		}

		list := make([]map[string]interface{}, 0, len(metas))
		for _, meta := range metas {
			c, err := readContact(store, meta)
			if err != nil {
				return err
			}
			obj, err := filterProperties(c, properties)
			if err != nil {
				return err
			}
			list = append(list, obj)
		}

		ctx.Respond("contacts", map[string]interface{}{
			"accountId": ctx.AccountID,
			"state":     ctx.State,
			"list":      list,
			"notFound":  notFound,
		})
		return nil
	}
}

// GetContactGroupsHandler returns the "getContactGroups" handler,
// mirroring GetContactsHandler for the group kind.
func GetContactGroupsHandler(store Store) jmap.Handler {
	return func(ctx *jmap.Context) error {
		ids, idsGiven, err := stringListArg(ctx.Args, "ids")
		if err != nil {
			ctx.RespondError(jmap.ErrInvalidArguments)
			return nil
		}
		abookID, _ := ctx.Args["addressbookId"].(string)

		metas, notFound, err := resolveMetas(store, KindGroup, abookID, ids, idsGiven)
		if err != nil {
			return err
		}

		list := make([]*ContactGroup, 0, len(metas))
		for _, meta := range metas {
			g, err := readGroup(store, meta)
			if err != nil {
				return err
			}
			list = append(list, g)
		}

		ctx.Respond("contactGroups", map[string]interface{}{
			"accountId": ctx.AccountID,
			"state":     ctx.State,
			"list":      list,
			"notFound":  notFound,
		})
		return nil
	}
}

// resolveMetas implements the shared ids==null vs ids==[...] fetch shape
// used by both getContacts and getContactGroups: resolve addressbookId to
// its mailbox, enumerate every live card of kind in that mailbox, and
// either return all of them (ids not given) or match them against the
// requested id need-set, routing any id never seen in the mailbox to
// notFound.
func resolveMetas(store Store, kind Kind, addressbookID string, ids []string, idsGiven bool) (metas []CardMeta, notFound []string, err error) {
	mailbox, err := store.ResolveAddressbook(addressbookID)
	if err != nil {
		return nil, nil, err
	}
	cards, err := store.GetCards(mailbox, kind)
	if err != nil {
		return nil, nil, err
	}
	if !idsGiven {
		return cards, nil, nil
	}

	notFound = []string{}
	byUID := make(map[string]CardMeta, len(cards))
	for _, m := range cards {
		byUID[m.UID] = m
	}
	for _, id := range ids {
		if m, ok := byUID[id]; ok {
			metas = append(metas, m)
		} else {
			notFound = append(notFound, id)
		}
	}
	return metas, notFound, nil
}

func readContact(store Store, meta CardMeta) (*Contact, error) {
	body, ann, err := store.ReadCard(meta)
	if err != nil {
		return nil, err
	}
	card, err := vcard.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, err
	}
	return VCardToContact(card, meta.UID, store.AddressbookID(meta.Mailbox), ann), nil
}

func readGroup(store Store, meta CardMeta) (*ContactGroup, error) {
	body, _, err := store.ReadCard(meta)
	if err != nil {
		return nil, err
	}
	card, err := vcard.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, err
	}
	href := meta.Mailbox + "/" + meta.Resource
	return VCardToGroup(card, meta.UID, store.AddressbookID(meta.Mailbox), href), nil
}

// stringListArg reads a nullable JSON array-of-strings argument. given is
// false when the key was entirely absent or explicitly null, distinguishing
// "fetch everything" from "fetch nothing".
func stringListArg(args map[string]interface{}, key string) (list []string, given bool, err error) {
	raw, present := args[key]
	if !present || raw == nil {
		return nil, false, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, false, errInvalid
	}
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, false, errInvalid
		}
		list = append(list, s)
	}
	return list, true, nil
}

// filterProperties marshals v and, if properties is non-nil, trims the
// resulting object down to that key set plus "id" (the properties
// argument used to scope a response object's fields).
func filterProperties(v interface{}, properties []string) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var full map[string]interface{}
	if err := json.Unmarshal(data, &full); err != nil {
		return nil, err
	}
	if properties == nil {
		return full, nil
	}
	need := map[string]bool{"id": true}
	for _, p := range properties {
		need[p] = true
	}
	out := make(map[string]interface{}, len(need))
	for k := range need {
		if v, ok := full[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}
