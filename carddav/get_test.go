package carddav

import "testing"

func TestResolveMetasByIDsRoutesMissingToNotFound(t *testing.T) {
	store := newFakeStore()
	id, _, code := createContact(store, map[string]interface{}{"firstName": "Jane"})
	if code != "" {
		t.Fatalf("unexpected error code %q", code)
	}

	metas, notFound, err := resolveMetas(store, KindContact, "", []string{id, "no-such-id"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 || metas[0].UID != id {
		t.Fatalf("metas=%v, want exactly %s", metas, id)
	}
	if len(notFound) != 1 || notFound[0] != "no-such-id" {
		t.Fatalf("notFound=%v, want [no-such-id]", notFound)
	}
}

func TestResolveMetasWrongKindIsNotFound(t *testing.T) {
	store := newFakeStore()
	id, _, code := createGroup(store, newTestIdmap(nil), map[string]interface{}{"name": "Book Club"})
	if code != "" {
		t.Fatalf("unexpected error code %q", code)
	}

	metas, notFound, err := resolveMetas(store, KindContact, "", []string{id}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 0 {
		t.Errorf("metas=%v, want none (wrong kind)", metas)
	}
	if len(notFound) != 1 || notFound[0] != id {
		t.Errorf("notFound=%v, want [%s]", notFound, id)
	}
}

func TestResolveMetasNilIdsFetchesEveryLiveCard(t *testing.T) {
	store := newFakeStore()
	id1, _, _ := createContact(store, map[string]interface{}{"firstName": "Jane"})
	id2, _, _ := createContact(store, map[string]interface{}{"firstName": "John"})
	if code := destroyCard(store, id2, KindContact); code != "" {
		t.Fatalf("unexpected error code %q", code)
	}

	metas, notFound, err := resolveMetas(store, KindContact, "", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if notFound != nil {
		t.Errorf("notFound=%v, want nil for a nil-ids fetch", notFound)
	}
	if len(metas) != 1 || metas[0].UID != id1 {
		t.Fatalf("metas=%v, want exactly the still-live card %s", metas, id1)
	}
}

func TestResolveMetasScopesToAddressbook(t *testing.T) {
	store := newFakeStore()
	defaultID, _, code := createContact(store, map[string]interface{}{"firstName": "Jane"})
	if code != "" {
		t.Fatalf("unexpected error code %q", code)
	}
	workID, _, code := createContact(store, map[string]interface{}{"firstName": "John", "addressbookId": "Work"})
	if code != "" {
		t.Fatalf("unexpected error code %q", code)
	}

	metas, notFound, err := resolveMetas(store, KindContact, "Work", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if notFound != nil {
		t.Errorf("notFound=%v, want nil", notFound)
	}
	if len(metas) != 1 || metas[0].UID != workID {
		t.Fatalf("metas=%v, want exactly the Work-addressbook card %s", metas, workID)
	}

	metas, _, err = resolveMetas(store, KindContact, "Work", []string{defaultID}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 0 {
		t.Errorf("metas=%v, want none: %s lives in Default, not Work", metas, defaultID)
	}
}

func TestFilterPropertiesAlwaysKeepsID(t *testing.T) {
	store := newFakeStore()
	id, _, code := createContact(store, map[string]interface{}{"firstName": "Jane", "lastName": "Doe"})
	if code != "" {
		t.Fatalf("unexpected error code %q", code)
	}
	meta, ok, err := store.LookupUID(id)
	if err != nil || !ok {
		t.Fatalf("LookupUID(%s): ok=%v err=%v", id, ok, err)
	}
	c, err := readContact(store, meta)
	if err != nil {
		t.Fatal(err)
	}

	obj, err := filterProperties(c, []string{"firstName"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := obj["id"]; !ok {
		t.Errorf("filtered object missing id")
	}
	if _, ok := obj["lastName"]; ok {
		t.Errorf("filtered object should not include lastName")
	}
	if got, want := obj["firstName"], "Jane"; got != want {
		t.Errorf("firstName=%v, want %v", got, want)
	}
}

func TestStringListArgDistinguishesAbsentFromEmpty(t *testing.T) {
	list, given, err := stringListArg(map[string]interface{}{}, "ids")
	if err != nil {
		t.Fatal(err)
	}
	if given {
		t.Errorf("given=true for an absent key, want false")
	}
	if list != nil {
		t.Errorf("list=%v, want nil", list)
	}

	list, given, err = stringListArg(map[string]interface{}{"ids": []interface{}{}}, "ids")
	if err != nil {
		t.Fatal(err)
	}
	if !given {
		t.Errorf("given=false for an explicit empty array, want true")
	}
	if len(list) != 0 {
		t.Errorf("list=%v, want empty", list)
	}
}
