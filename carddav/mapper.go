// Package carddav's mapper.go implements the bidirectional vCard<->JMAP
// translation, grounded on original_source/imap/http_jmap.c's
// getcontacts_cb (read) and _json_to_card (write). The low-level
// tokenizer/serializer is github.com/emersion/go-vcard; this file owns the
// positional multi-value packing (N/ORG/ADR) that needs explicit
// index-based handling rather than a library helper whose field order
// isn't guaranteed.
package carddav

import (
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/spilldb/jmapd/jmap"
)

func splitN(n int, s string) []string {
	parts := strings.Split(s, ";")
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts[:n]
}

func joinN(parts ...string) string {
	return strings.Join(parts, ";")
}

func fieldValue(card vcard.Card, name string) string {
	fields := card[name]
	if len(fields) == 0 {
		return ""
	}
	return fields[0].Value
}

func setSingle(card vcard.Card, name, value string) {
	if value == "" {
		delete(card, name)
		return
	}
	card[name] = []*vcard.Field{{Value: value}}
}

// --- contact read side (getcontacts_cb) ---------------------------------

// VCardToContact builds the JMAP contact object for a card.
func VCardToContact(card vcard.Card, id, addressbookID string, ann Annotations) *Contact {
	n := splitN(5, fieldValue(card, "N")) // family;given;additional;prefix;suffix
	org := splitN(3, fieldValue(card, "ORG"))

	c := &Contact{
		ID:            id,
		AddressbookID: addressbookID,
		IsFlagged:     ann.Flagged,
		Importance:    ann.Importance,
		LastName:      n[0],
		FirstName:     n[1],
		Prefix:        n[3],
		Suffix:        n[4],
		Company:       org[0],
		Department:    org[1],
		JobTitle:      org[2],
		Nickname:      fieldValue(card, "NICKNAME"),
		Birthday:      dateFieldToJMAP(firstField(card, "BDAY")),
		Anniversary:   dateFieldToJMAP(firstField(card, "ANNIVERSARY")),
		Notes:         fieldValue(card, "NOTE"),
		HasPhoto:      len(card["PHOTO"]) > 0,
	}

	c.Addresses = readAddresses(card)
	c.Emails = readEmails(card)
	c.Phones = readPhones(card)
	c.Online = readOnline(card)

	return c
}

func firstField(card vcard.Card, name string) *vcard.Field {
	fields := card[name]
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

func readAddresses(card vcard.Card) []ContactAddress {
	var out []ContactAddress
	for _, f := range card["ADR"] {
		// pack positions 0-6: pobox, extended, street, locality, region, postcode, country
		//; 0-2 flatten into one newline-joined street.
		parts := splitN(7, f.Value)
		street := strings.Trim(strings.Join([]string{parts[0], parts[1], parts[2]}, "\n"), "\n")
		street = strings.ReplaceAll(street, "\n\n", "\n")
		out = append(out, ContactAddress{
			Type:     addressType(f.Params),
			Label:    f.Params.Get("LABEL"),
			Street:   street,
			Locality: parts[3],
			Region:   parts[4],
			Postcode: parts[5],
			Country:  parts[6],
		})
	}
	return out
}

func addressType(params vcard.Params) string {
	switch strings.ToLower(params.Get("TYPE")) {
	case "home":
		return "home"
	case "work":
		return "work"
	case "billing":
		return "billing"
	case "postal":
		return "postal"
	default:
		return "other"
	}
}

func readEmails(card vcard.Card) []ContactEmail {
	fields := card["EMAIL"]
	var out []ContactEmail
	defaultIdx := -1
	for i, f := range fields {
		typ := "other"
		switch strings.ToLower(f.Params.Get("TYPE")) {
		case "home":
			typ = "personal"
		case "work":
			typ = "work"
		}
		isPref := false
		for _, t := range f.Params["TYPE"] {
			if strings.Contains(strings.ToLower(t), "pref") {
				isPref = true
			}
		}
		if isPref && defaultIdx == -1 {
			defaultIdx = i
		}
		out = append(out, ContactEmail{
			Type:  typ,
			Label: f.Params.Get("LABEL"),
			Value: f.Value,
		})
	}
	// isDefault: at most one true; if none preferred, element 0.
	if len(out) > 0 {
		if defaultIdx == -1 {
			defaultIdx = 0
		}
		out[defaultIdx].IsDefault = true
	}
	return out
}

func readPhones(card vcard.Card) []ContactPhone {
	var out []ContactPhone
	for _, f := range card["TEL"] {
		typ := "other"
		switch strings.ToLower(f.Params.Get("TYPE")) {
		case "home":
			typ = "home"
		case "work":
			typ = "work"
		case "cell":
			typ = "mobile"
		case "fax":
			typ = "fax"
		case "pager":
			typ = "pager"
		}
		out = append(out, ContactPhone{Type: typ, Label: f.Params.Get("LABEL"), Value: f.Value})
	}
	return out
}

func readOnline(card vcard.Card) []ContactOnline {
	var out []ContactOnline
	for _, f := range card["URL"] {
		out = append(out, ContactOnline{Type: "uri", Label: f.Params.Get("LABEL"), Value: f.Value})
	}
	for _, f := range card["IMPP"] {
		label := f.Params.Get("X-SERVICE-TYPE")
		if label == "" {
			label = f.Params.Get("X-TYPE")
		}
		if canonical, ok := isIMLabel(label); ok {
			label = canonical
		}
		out = append(out, ContactOnline{Type: "username", Label: label, Value: f.Value})
	}
	for _, f := range card["X-SOCIAL-PROFILE"] {
		// Decided open question: value is the
		// property value itself, X-USER is left as the decoration the
		// original source also writes (see _online_to_card).
		value := f.Value
		if value == "" {
			value = f.Params.Get("X-USER")
		}
		out = append(out, ContactOnline{Type: "username", Label: f.Params.Get("TYPE"), Value: value})
	}
	return out
}

// --- group read side (getgroups_cb) -------------------------------------

// VCardToGroup builds the JMAP contact group object for a card.
func VCardToGroup(card vcard.Card, id, addressbookID, href string) *ContactGroup {
	g := &ContactGroup{
		ID:            id,
		AddressbookID: addressbookID,
		Name:          fieldValue(card, "FN"),
		ContactIDs:    []string{},
		Href:          href,
	}
	for _, f := range card["X-ADDRESSBOOKSERVER-MEMBER"] {
		g.ContactIDs = append(g.ContactIDs, stripURNUUID(f.Value))
	}
	for _, f := range card["X-FM-OTHERACCOUNT-MEMBER"] {
		userid := f.Params.Get("USERID")
		if g.OtherAccountContactIDs == nil {
			g.OtherAccountContactIDs = make(map[string][]string)
		}
		g.OtherAccountContactIDs[userid] = append(g.OtherAccountContactIDs[userid], stripURNUUID(f.Value))
	}
	return g
}

func stripURNUUID(s string) string {
	return strings.TrimPrefix(s, "urn:uuid:")
}

// --- contact write side (_json_to_card) ---------------------------------

// contactPatchKeys is the full set of recognized JMAP keys for
// setContacts's create/update object. Any key
// outside this set is rejected with invalidParameters.
var contactPatchKeys = map[string]bool{
	"isFlagged": true, "x-importance": true,
	"prefix": true, "firstName": true, "lastName": true, "suffix": true,
	"nickname": true, "birthday": true, "anniversary": true,
	"company": true, "department": true, "jobTitle": true,
	"emails": true, "phones": true, "online": true, "addresses": true,
	"notes": true, "addressbookId": true,
}

// ApplyContactPatch mutates card and ann in place per the JMAP patch
// object, returning whether any vCard content property (as opposed to
// flags/annotation only) changed -- the signal the "no content" update
// fast path is built on. addressbookId is accepted as a key (the set
// engine reads it separately to decide a move) but never touches vCard
// content itself.
func ApplyContactPatch(card vcard.Card, ann *Annotations, patch map[string]interface{}) (contentChanged bool, errCode jmap.ErrorCode) {
	for key := range patch {
		if !contactPatchKeys[key] {
			return false, jmap.ErrInvalidParams
		}
	}

	if v, ok := patch["isFlagged"]; ok {
		b, ok := v.(bool)
		if !ok {
			return false, jmap.ErrInvalidArguments
		}
		ann.Flagged = b
	}
	if v, ok := patch["x-importance"]; ok {
		f, ok := v.(float64)
		if !ok {
			return false, jmap.ErrInvalidArguments
		}
		ann.Importance = f
	}

	nameTouched := false
	n := splitN(5, fieldValue(card, "N"))
	for jsonKey, idx := range map[string]int{"lastName": 0, "firstName": 1, "prefix": 3, "suffix": 4} {
		if v, ok := patch[jsonKey]; ok {
			s, ok := v.(string)
			if !ok {
				return false, jmap.ErrInvalidArguments
			}
			n[idx] = s
			nameTouched = true
			contentChanged = true
		}
	}
	if nameTouched {
		setSingle(card, "N", joinN(n...))
	}

	if v, ok := patch["nickname"]; ok {
		s, ok := v.(string)
		if !ok {
			return false, jmap.ErrInvalidArguments
		}
		setSingle(card, "NICKNAME", s)
		contentChanged = true
	}

	if v, ok := patch["birthday"]; ok {
		s, ok := v.(string)
		if !ok {
			return false, jmap.ErrInvalidArguments
		}
		f, err := dateFieldFromJMAP("BDAY", s)
		if err != nil {
			return false, jmap.ErrInvalidParams
		}
		card["BDAY"] = []*vcard.Field{f}
		contentChanged = true
	}
	if v, ok := patch["anniversary"]; ok {
		s, ok := v.(string)
		if !ok {
			return false, jmap.ErrInvalidArguments
		}
		f, err := dateFieldFromJMAP("ANNIVERSARY", s)
		if err != nil {
			return false, jmap.ErrInvalidParams
		}
		card["ANNIVERSARY"] = []*vcard.Field{f}
		contentChanged = true
	}

	org := splitN(3, fieldValue(card, "ORG"))
	orgTouched := false
	for jsonKey, idx := range map[string]int{"company": 0, "department": 1, "jobTitle": 2} {
		if v, ok := patch[jsonKey]; ok {
			s, ok := v.(string)
			if !ok {
				return false, jmap.ErrInvalidArguments
			}
			org[idx] = s
			orgTouched = true
			contentChanged = true
		}
	}
	if orgTouched {
		setSingle(card, "ORG", joinN(org...))
	}

	if v, ok := patch["notes"]; ok {
		s, ok := v.(string)
		if !ok {
			return false, jmap.ErrInvalidArguments
		}
		setSingle(card, "NOTE", s)
		contentChanged = true
	}

	if v, ok := patch["emails"]; ok {
		if err := writeEmails(card, v); err != nil {
			return false, jmap.ErrInvalidParams
		}
		contentChanged = true
	}
	if v, ok := patch["phones"]; ok {
		if err := writePhones(card, v); err != nil {
			return false, jmap.ErrInvalidParams
		}
		contentChanged = true
	}
	if v, ok := patch["online"]; ok {
		if err := writeOnline(card, v); err != nil {
			return false, jmap.ErrInvalidParams
		}
		contentChanged = true
	}
	if v, ok := patch["addresses"]; ok {
		if err := writeAddresses(card, v); err != nil {
			return false, jmap.ErrInvalidParams
		}
		contentChanged = true
	}

	if nameTouched || patch["nickname"] != nil {
		recomputeFN(card)
	}

	return contentChanged, ""
}

// recomputeFN regenerates FN: join(prefix, first, middle, last, suffix)
// if any is set, else nickname, else first email, else "No Name"
// (_make_fn).
func recomputeFN(card vcard.Card) {
	n := splitN(5, fieldValue(card, "N"))
	nameParts := []string{n[3], n[1], n[2], n[0], n[4]}
	var nonEmpty []string
	for _, p := range nameParts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) > 0 {
		setSingle(card, "FN", strings.Join(nonEmpty, " "))
		return
	}
	if nick := fieldValue(card, "NICKNAME"); nick != "" {
		setSingle(card, "FN", nick)
		return
	}
	if emails := card["EMAIL"]; len(emails) > 0 {
		setSingle(card, "FN", emails[0].Value)
		return
	}
	setSingle(card, "FN", "No Name")
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func writeEmails(card vcard.Card, v interface{}) error {
	items, ok := asSlice(v)
	if !ok {
		return errInvalid
	}
	fields := make([]*vcard.Field, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			return errInvalid
		}
		value, _ := m["value"].(string)
		typ, _ := m["type"].(string)
		label, _ := m["label"].(string)
		isDefault, _ := m["isDefault"].(bool)
		params := vcard.Params{}
		switch typ {
		case "personal":
			params.Add("TYPE", "home")
		case "work":
			params.Add("TYPE", "work")
		}
		if isDefault {
			params.Add("TYPE", "pref")
		}
		if label != "" {
			params.Add("LABEL", label)
		}
		fields = append(fields, &vcard.Field{Value: value, Params: params})
	}
	if len(fields) == 0 {
		delete(card, "EMAIL")
	} else {
		card["EMAIL"] = fields
	}
	return nil
}

func writePhones(card vcard.Card, v interface{}) error {
	items, ok := asSlice(v)
	if !ok {
		return errInvalid
	}
	fields := make([]*vcard.Field, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			return errInvalid
		}
		value, _ := m["value"].(string)
		typ, _ := m["type"].(string)
		label, _ := m["label"].(string)
		params := vcard.Params{}
		switch typ {
		case "home", "work", "fax", "pager":
			params.Add("TYPE", typ)
		case "mobile":
			params.Add("TYPE", "cell")
		}
		if label != "" {
			params.Add("LABEL", label)
		}
		fields = append(fields, &vcard.Field{Value: value, Params: params})
	}
	if len(fields) == 0 {
		delete(card, "TEL")
	} else {
		card["TEL"] = fields
	}
	return nil
}

func writeOnline(card vcard.Card, v interface{}) error {
	items, ok := asSlice(v)
	if !ok {
		return errInvalid
	}
	var urls, impps, socials []*vcard.Field
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			return errInvalid
		}
		value, _ := m["value"].(string)
		typ, _ := m["type"].(string)
		label, _ := m["label"].(string)

		switch typ {
		case "uri":
			urls = append(urls, &vcard.Field{Value: value})
		case "username":
			if canonical, ok := isIMLabel(label); ok {
				params := vcard.Params{}
				params.Add("X-SERVICE-TYPE", canonical)
				impps = append(impps, &vcard.Field{Value: value, Params: params})
			} else {
				params := vcard.Params{}
				params.Add("TYPE", label)
				params.Add("X-USER", value)
				socials = append(socials, &vcard.Field{Value: value, Params: params})
			}
		default:
			return errInvalid
		}
	}
	delete(card, "URL")
	delete(card, "IMPP")
	delete(card, "X-SOCIAL-PROFILE")
	if len(urls) > 0 {
		card["URL"] = urls
	}
	if len(impps) > 0 {
		card["IMPP"] = impps
	}
	if len(socials) > 0 {
		card["X-SOCIAL-PROFILE"] = socials
	}
	return nil
}

func writeAddresses(card vcard.Card, v interface{}) error {
	items, ok := asSlice(v)
	if !ok {
		return errInvalid
	}
	fields := make([]*vcard.Field, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			return errInvalid
		}
		street, _ := m["street"].(string)
		locality, _ := m["locality"].(string)
		region, _ := m["region"].(string)
		postcode, _ := m["postcode"].(string)
		country, _ := m["country"].(string)
		typ, _ := m["type"].(string)
		label, _ := m["label"].(string)

		// Input only supplies a single flattened street; write it to
		// position 2 (street proper), leaving pobox/extended empty --
		// there is no reliable way to recover pobox/extended from one
		// newline-joined string on the write side.
		value := joinN("", "", street, locality, region, postcode, country)
		params := vcard.Params{}
		switch typ {
		case "home", "work", "postal":
			params.Add("TYPE", typ)
		case "billing":
			params.Add("TYPE", "billing")
		}
		if label != "" {
			params.Add("LABEL", label)
		}
		fields = append(fields, &vcard.Field{Value: value, Params: params})
	}
	if len(fields) == 0 {
		delete(card, "ADR")
	} else {
		card["ADR"] = fields
	}
	return nil
}

var errInvalid = invalidArgError{}

type invalidArgError struct{}

func (invalidArgError) Error() string { return "carddav: invalid argument shape" }
