package jmap_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/spilldb/jmapd/jmap"
)

type fakeLock struct {
	modseq int64
}

func (l *fakeLock) ModSeq() (int64, error) { return l.modseq, nil }
func (l *fakeLock) Unlock() error          { return nil }

type fakeStore struct {
	modseq int64
}

func (s *fakeStore) LockInbox(accountID string) (jmap.InboxLock, error) {
	return &fakeLock{modseq: s.modseq}, nil
}

func TestExecuteUnknownMethod(t *testing.T) {
	store := &fakeStore{modseq: 1}
	registry := jmap.Registry{}
	invocations := []jmap.Invocation{
		{Name: "noSuchMethod", Args: map[string]interface{}{}, Tag: "t0"},
	}
	responses, err := jmap.Execute(store, registry, "1", invocations)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if got, want := responses[0].Name, "error"; got != want {
		t.Errorf("name=%q, want %q", got, want)
	}
	payload := responses[0].Payload.(map[string]interface{})
	if got, want := payload["type"], string(jmap.ErrUnknownMethod); got != want {
		t.Errorf("type=%q, want %q", got, want)
	}
}

func TestExecuteSkipsUntaggedInvocations(t *testing.T) {
	store := &fakeStore{modseq: 1}
	called := false
	registry := jmap.Registry{
		"echo": func(ctx *jmap.Context) error {
			called = true
			ctx.Respond("echoed", nil)
			return nil
		},
	}
	invocations := []jmap.Invocation{
		{Name: "echo", Args: map[string]interface{}{}, Tag: ""},
	}
	responses, err := jmap.Execute(store, registry, "1", invocations)
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Errorf("handler was called for a tagless invocation")
	}
	if len(responses) != 0 {
		t.Errorf("got %d responses, want 0", len(responses))
	}
}

func TestExecuteFatalHandlerAbortsBatch(t *testing.T) {
	store := &fakeStore{modseq: 1}
	registry := jmap.Registry{
		"ok": func(ctx *jmap.Context) error {
			ctx.Respond("ok", nil)
			return nil
		},
		"boom": func(ctx *jmap.Context) error {
			return errors.New("storage blew up")
		},
	}
	invocations := []jmap.Invocation{
		{Name: "ok", Args: map[string]interface{}{}, Tag: "t0"},
		{Name: "boom", Args: map[string]interface{}{}, Tag: "t1"},
	}
	_, err := jmap.Execute(store, registry, "1", invocations)
	if err == nil {
		t.Fatal("want a storage error, got nil")
	}
	var storageErr *jmap.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("err=%v, want a *jmap.StorageError", err)
	}
}

func TestExecuteStateIsModSeq(t *testing.T) {
	store := &fakeStore{modseq: 42}
	var gotState string
	registry := jmap.Registry{
		"whoami": func(ctx *jmap.Context) error {
			gotState = ctx.State
			ctx.Respond("whoami", nil)
			return nil
		},
	}
	invocations := []jmap.Invocation{
		{Name: "whoami", Args: map[string]interface{}{}, Tag: "t0"},
	}
	if _, err := jmap.Execute(store, registry, "1", invocations); err != nil {
		t.Fatal(err)
	}
	if got, want := gotState, "42"; got != want {
		t.Errorf("state=%q, want %q", got, want)
	}
}

func TestIdmapResolve(t *testing.T) {
	im := jmap.NewIdmap()
	im.Put("c1", "uuid-1")

	if got, want := im.Resolve("#c1"), "uuid-1"; got != want {
		t.Errorf("Resolve(#c1)=%q, want %q", got, want)
	}
	if got, want := im.Resolve("c1"), "uuid-1"; got != want {
		t.Errorf("Resolve(c1)=%q, want %q", got, want)
	}
	if got, want := im.Resolve("unmapped-id"), "unmapped-id"; got != want {
		t.Errorf("Resolve(unmapped-id)=%q, want %q", got, want)
	}
}

func TestDecodeBodyRejectsNonArray(t *testing.T) {
	_, err := jmap.DecodeBody([]byte(`{"not": "an array"}`))
	if err == nil {
		t.Fatal("want an error for a non-array body")
	}
	var badRequest *jmap.BadRequest
	if !errors.As(err, &badRequest) {
		t.Errorf("err=%v, want a *jmap.BadRequest", err)
	}
}

func TestDecodeBodyRejectsEmptyBody(t *testing.T) {
	_, err := jmap.DecodeBody(nil)
	if err == nil {
		t.Fatal("want an error for an empty body")
	}
}

func TestDecodeBodySkipsMalformedInvocations(t *testing.T) {
	// The second entry is a 2-tuple (missing client_tag); it should be
	// dropped silently rather than failing the whole batch.
	body := []byte(`[["getContacts", {"accountId": "1"}, "t0"], ["getContacts", {}], ["getContacts", {"accountId": "1"}, "t1"]]`)
	invocations, err := jmap.DecodeBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(invocations) != 2 {
		t.Fatalf("got %d invocations, want 2 (malformed entry dropped)", len(invocations))
	}
	if got, want := invocations[0].Tag, "t0"; got != want {
		t.Errorf("invocations[0].Tag=%q, want %q", got, want)
	}
	if got, want := invocations[1].Tag, "t1"; got != want {
		t.Errorf("invocations[1].Tag=%q, want %q", got, want)
	}
}

func TestInvocationRoundTrip(t *testing.T) {
	const wire = `["getContacts", {"accountId": "1"}, "t0"]`
	var inv jmap.Invocation
	if err := json.Unmarshal([]byte(wire), &inv); err != nil {
		t.Fatal(err)
	}
	if got, want := inv.Name, "getContacts"; got != want {
		t.Errorf("name=%q, want %q", got, want)
	}
	if got, want := inv.Tag, "t0"; got != want {
		t.Errorf("tag=%q, want %q", got, want)
	}
	if got, want := inv.Args["accountId"], "1"; got != want {
		t.Errorf("args[accountId]=%v, want %v", got, want)
	}

	resp := jmap.ErrorResponse("t0", jmap.ErrStateMismatch)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if got, want := raw[0], "error"; got != want {
		t.Errorf("response name=%v, want %v", got, want)
	}
	if got, want := raw[2], "t0"; got != want {
		t.Errorf("response tag=%v, want %v", got, want)
	}
}
