package carddav

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/emersion/go-vcard"
	"github.com/spilldb/jmapd/jmap"
)

// newUID mints a fresh vCard UID. Grounded on spillbox's
// sqlitex.InsertRandID family of random-identifier minting (spillbox.go);
// adapted to a string UID since Cards.UID is the vCard's own text
// identifier, not a database row number.
func newUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failing is unrecoverable process state
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", hex.EncodeToString(b[0:4]), hex.EncodeToString(b[4:6]),
		hex.EncodeToString(b[6:8]), hex.EncodeToString(b[8:10]), hex.EncodeToString(b[10:16]))
}

func encodeCard(card vcard.Card) ([]byte, error) {
	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkIfInState(ctx *jmap.Context) bool {
	want, ok := ctx.Args["ifInState"].(string)
	if !ok || want == "" {
		return true
	}
	return want == ctx.State
}

func mapArg(args map[string]interface{}, key string) (map[string]interface{}, bool) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, false
	}
	m, ok := raw.(map[string]interface{})
	return m, ok
}

func listArg(args map[string]interface{}, key string) ([]interface{}, bool) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, false
	}
	l, ok := raw.([]interface{})
	return l, ok
}

// SetContactsHandler returns the "setContacts" handler:
// create/update/destroy of contact cards, including the move-across-
// address-books and isFlagged/x-importance-only fast paths.
func SetContactsHandler(store Store) jmap.Handler {
	return func(ctx *jmap.Context) error {
		if !checkIfInState(ctx) {
			ctx.RespondError(jmap.ErrStateMismatch)
			return nil
		}

		created := map[string]map[string]interface{}{}
		notCreated := map[string]jmap.ItemError{}
		updated := []string{}
		notUpdated := map[string]jmap.ItemError{}
		destroyed := []string{}
		notDestroyed := map[string]jmap.ItemError{}

		if creates, ok := mapArg(ctx.Args, "create"); ok {
			for key, v := range creates {
				patch, ok := v.(map[string]interface{})
				if !ok {
					notCreated[key] = jmap.ItemError{Type: jmap.ErrInvalidArguments}
					continue
				}
				id, obj, code := createContact(store, patch)
				if code != "" {
					notCreated[key] = jmap.ItemError{Type: code}
					continue
				}
				ctx.Idmap.Put(key, id)
				created[key] = obj
			}
		}

		if updates, ok := mapArg(ctx.Args, "update"); ok {
			for id, v := range updates {
				realID := ctx.Idmap.Resolve(id)
				patch, ok := v.(map[string]interface{})
				if !ok {
					notUpdated[id] = jmap.ItemError{Type: jmap.ErrInvalidArguments}
					continue
				}
				code := updateContact(store, realID, patch)
				if code != "" {
					notUpdated[id] = jmap.ItemError{Type: code}
					continue
				}
				updated = append(updated, id)
			}
		}

		if destroys, ok := listArg(ctx.Args, "destroy"); ok {
			for i, v := range destroys {
				id, ok := v.(string)
				if !ok {
					notDestroyed[fmt.Sprintf("#%d", i)] = jmap.ItemError{Type: jmap.ErrInvalidArguments}
					continue
				}
				realID := ctx.Idmap.Resolve(id)
				if code := destroyCard(store, realID, KindContact); code != "" {
					notDestroyed[id] = jmap.ItemError{Type: code}
					continue
				}
				destroyed = append(destroyed, id)
			}
		}

		newState, err := store.AccountModSeq()
		if err != nil {
			return err
		}

		ctx.Respond("contactsSet", map[string]interface{}{
			"accountId":    ctx.AccountID,
			"oldState":     ctx.State,
			"newState":     fmt.Sprintf("%d", newState),
			"created":      created,
			"updated":      updated,
			"destroyed":    destroyed,
			"notCreated":   notCreated,
			"notUpdated":   notUpdated,
			"notDestroyed": notDestroyed,
		})
		return nil
	}
}

func createContact(store Store, patch map[string]interface{}) (id string, obj map[string]interface{}, errCode jmap.ErrorCode) {
	card := vcard.Card{}
	var ann Annotations
	// addressbookId is consumed here, not by ApplyContactPatch, since it
	// never touches vCard content.
	abookID, _ := patch["addressbookId"].(string)
	if abookID == "" {
		abookID = "Default"
	}
	patchCopy := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		if k == "addressbookId" {
			continue
		}
		patchCopy[k] = v
	}

	if _, code := ApplyContactPatch(card, &ann, patchCopy); code != "" {
		return "", nil, code
	}
	recomputeFN(card)

	mailbox, err := store.ResolveAddressbook(abookID)
	if err != nil {
		return "", nil, jmap.ErrInvalidParams
	}

	uid := newUID()
	card["UID"] = []*vcard.Field{{Value: uid}}
	card["VERSION"] = []*vcard.Field{{Value: "3.0"}}

	body, err := encodeCard(card)
	if err != nil {
		return "", nil, jmap.ErrInvalidParams
	}

	meta, err := store.CreateCard(mailbox, KindContact, uid, body, ann.Flagged)
	if err != nil {
		return "", nil, jmap.ErrInvalidArguments
	}

	c := VCardToContact(card, meta.UID, abookID, ann)
	data, _ := filterProperties(c, nil)
	return meta.UID, data, ""
}

func updateContact(store Store, id string, patch map[string]interface{}) jmap.ErrorCode {
	meta, ok, err := store.LookupUID(id)
	if err != nil || !ok || !meta.Alive || meta.Kind != KindContact {
		return jmap.ErrNotFound
	}

	body, ann, err := store.ReadCard(meta)
	if err != nil {
		return jmap.ErrNotFound
	}
	card, err := vcard.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return jmap.ErrInvalidArguments
	}

	newAbookID, moveRequested := patch["addressbookId"].(string)
	curAbookID := store.AddressbookID(meta.Mailbox)
	isMove := moveRequested && newAbookID != "" && newAbookID != curAbookID

	patchCopy := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		if k == "addressbookId" {
			continue
		}
		patchCopy[k] = v
	}

	contentChanged, code := ApplyContactPatch(card, &ann, patchCopy)
	if code != "" {
		return code
	}

	// The "no content" fast path: neither the vCard
	// body nor the mailbox changed, only isFlagged/x-importance -- skip
	// the replace entirely and rewrite annotations in place.
	if !contentChanged && !isMove {
		if err := store.SetAnnotations(id, ann); err != nil {
			return jmap.ErrNotFound
		}
		return ""
	}

	targetMailbox := meta.Mailbox
	if isMove {
		resolved, err := store.ResolveAddressbook(newAbookID)
		if err != nil {
			return jmap.ErrInvalidParams
		}
		targetMailbox = resolved
	}

	body, err = encodeCard(card)
	if err != nil {
		return jmap.ErrInvalidParams
	}

	if _, err := store.ReplaceCard(id, targetMailbox, KindContact, body); err != nil {
		return jmap.ErrNotFound
	}
	if ann != (Annotations{}) {
		_ = store.SetAnnotations(id, ann)
	}
	return ""
}

func destroyCard(store Store, id string, kind Kind) jmap.ErrorCode {
	meta, ok, err := store.LookupUID(id)
	if err != nil || !ok || !meta.Alive || meta.Kind != kind {
		return jmap.ErrNotFound
	}
	if err := store.TombstoneCard(id); err != nil {
		return jmap.ErrNotFound
	}
	return ""
}

// SetContactGroupsHandler returns the "setContactGroups" handler: groups
// carry only a name and a member list, packed as repeated
// X-ADDRESSBOOKSERVER-MEMBER fields.
func SetContactGroupsHandler(store Store) jmap.Handler {
	return func(ctx *jmap.Context) error {
		if !checkIfInState(ctx) {
			ctx.RespondError(jmap.ErrStateMismatch)
			return nil
		}

		created := map[string]map[string]interface{}{}
		notCreated := map[string]jmap.ItemError{}
		updated := []string{}
		notUpdated := map[string]jmap.ItemError{}
		destroyed := []string{}
		notDestroyed := map[string]jmap.ItemError{}

		if creates, ok := mapArg(ctx.Args, "create"); ok {
			for key, v := range creates {
				patch, ok := v.(map[string]interface{})
				if !ok {
					notCreated[key] = jmap.ItemError{Type: jmap.ErrInvalidArguments}
					continue
				}
				id, obj, code := createGroup(store, ctx.Idmap, patch)
				if code != "" {
					notCreated[key] = jmap.ItemError{Type: code}
					continue
				}
				ctx.Idmap.Put(key, id)
				created[key] = obj
			}
		}

		if updates, ok := mapArg(ctx.Args, "update"); ok {
			for id, v := range updates {
				realID := ctx.Idmap.Resolve(id)
				patch, ok := v.(map[string]interface{})
				if !ok {
					notUpdated[id] = jmap.ItemError{Type: jmap.ErrInvalidArguments}
					continue
				}
				code := updateGroup(store, ctx.Idmap, realID, patch)
				if code != "" {
					notUpdated[id] = jmap.ItemError{Type: code}
					continue
				}
				updated = append(updated, id)
			}
		}

		if destroys, ok := listArg(ctx.Args, "destroy"); ok {
			for i, v := range destroys {
				id, ok := v.(string)
				if !ok {
					notDestroyed[fmt.Sprintf("#%d", i)] = jmap.ItemError{Type: jmap.ErrInvalidArguments}
					continue
				}
				realID := ctx.Idmap.Resolve(id)
				if code := destroyCard(store, realID, KindGroup); code != "" {
					notDestroyed[id] = jmap.ItemError{Type: code}
					continue
				}
				destroyed = append(destroyed, id)
			}
		}

		newState, err := store.AccountModSeq()
		if err != nil {
			return err
		}

		ctx.Respond("contactGroupsSet", map[string]interface{}{
			"accountId":    ctx.AccountID,
			"oldState":     ctx.State,
			"newState":     fmt.Sprintf("%d", newState),
			"created":      created,
			"updated":      updated,
			"destroyed":    destroyed,
			"notCreated":   notCreated,
			"notUpdated":   notUpdated,
			"notDestroyed": notDestroyed,
		})
		return nil
	}
}

func buildGroupCard(name string, memberIDs []string, idmap *jmap.Idmap) (vcard.Card, jmap.ErrorCode) {
	if name == "" {
		return nil, jmap.ErrMissingParams
	}
	card := vcard.Card{}
	card["FN"] = []*vcard.Field{{Value: name}}
	card["X-ADDRESSBOOKSERVER-KIND"] = []*vcard.Field{{Value: "group"}}
	members := make([]*vcard.Field, 0, len(memberIDs))
	for _, id := range memberIDs {
		resolved := id
		if idmap != nil {
			resolved = idmap.Resolve(id)
		}
		members = append(members, &vcard.Field{Value: "urn:uuid:" + resolved})
	}
	if len(members) > 0 {
		card["X-ADDRESSBOOKSERVER-MEMBER"] = members
	}
	return card, ""
}

func createGroup(store Store, idmap *jmap.Idmap, patch map[string]interface{}) (id string, obj map[string]interface{}, errCode jmap.ErrorCode) {
	rawName, present := patch["name"]
	if !present {
		return "", nil, jmap.ErrMissingParams
	}
	name, ok := rawName.(string)
	if !ok {
		return "", nil, jmap.ErrInvalidArguments
	}
	var memberIDs []string
	if raw, ok := patch["contactIds"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				memberIDs = append(memberIDs, s)
			}
		}
	}
	abookID, _ := patch["addressbookId"].(string)
	if abookID == "" {
		abookID = "Default"
	}

	card, code := buildGroupCard(name, memberIDs, idmap)
	if code != "" {
		return "", nil, code
	}

	mailbox, err := store.ResolveAddressbook(abookID)
	if err != nil {
		return "", nil, jmap.ErrInvalidParams
	}

	uid := newUID()
	card["UID"] = []*vcard.Field{{Value: uid}}
	card["VERSION"] = []*vcard.Field{{Value: "3.0"}}

	body, err := encodeCard(card)
	if err != nil {
		return "", nil, jmap.ErrInvalidParams
	}

	meta, err := store.CreateCard(mailbox, KindGroup, uid, body, false)
	if err != nil {
		return "", nil, jmap.ErrInvalidArguments
	}

	g := VCardToGroup(card, meta.UID, abookID, mailbox+"/"+meta.Resource)
	data, _ := filterProperties(g, nil)
	return meta.UID, data, ""
}

func updateGroup(store Store, idmap *jmap.Idmap, id string, patch map[string]interface{}) jmap.ErrorCode {
	meta, ok, err := store.LookupUID(id)
	if err != nil || !ok || !meta.Alive || meta.Kind != KindGroup {
		return jmap.ErrNotFound
	}

	body, _, err := store.ReadCard(meta)
	if err != nil {
		return jmap.ErrNotFound
	}
	card, err := vcard.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return jmap.ErrInvalidArguments
	}

	if name, ok := patch["name"].(string); ok {
		card["FN"] = []*vcard.Field{{Value: name}}
	}
	if raw, ok := patch["contactIds"].([]interface{}); ok {
		members := make([]*vcard.Field, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return jmap.ErrInvalidArguments
			}
			members = append(members, &vcard.Field{Value: "urn:uuid:" + idmap.Resolve(s)})
		}
		if len(members) > 0 {
			card["X-ADDRESSBOOKSERVER-MEMBER"] = members
		} else {
			delete(card, "X-ADDRESSBOOKSERVER-MEMBER")
		}
	}

	targetMailbox := meta.Mailbox
	if newAbookID, ok := patch["addressbookId"].(string); ok && newAbookID != "" && newAbookID != store.AddressbookID(meta.Mailbox) {
		resolved, err := store.ResolveAddressbook(newAbookID)
		if err != nil {
			return jmap.ErrInvalidParams
		}
		targetMailbox = resolved
	}

	out, err := encodeCard(card)
	if err != nil {
		return jmap.ErrInvalidParams
	}
	if _, err := store.ReplaceCard(id, targetMailbox, KindGroup, out); err != nil {
		return jmap.ErrNotFound
	}
	return ""
}
