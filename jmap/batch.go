package jmap

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// InboxLock is the intent-write lock the executor holds on the user's
// inbox for the duration of one batch. Its only
// job is to freeze the inbox modseq as a coherent baseline; it is not a
// read-exclusion lock. ModSeq may be called more than once per batch — the
// executor rereads it before every invocation so handlers that advance
// modseq via their own appends are reflected in later invocations' state
// tokens.
type InboxLock interface {
	ModSeq() (int64, error)
	Unlock() error
}

// Store is the external mailbox-store collaborator the executor needs: the
// ability to take the per-batch inbox lock named above. Everything else
// (CardDAV view, append, mailbox listing) is reached by handlers directly,
// not through the executor.
type Store interface {
	LockInbox(accountID string) (InboxLock, error)
}

// BadRequest and StorageError are the batch-level failure classes; the
// caller (the HTTP layer) maps them to 400/500. The 415 for a wrong
// Content-Type is decided by the HTTP layer itself.
type BadRequest struct{ Reason string }

func (e *BadRequest) Error() string { return "jmap: bad request: " + e.Reason }

type StorageError struct{ Err error }

func (e *StorageError) Error() string { return fmt.Sprintf("jmap: storage error: %v", e.Err) }

// Execute runs the batch executor algorithm against a pre-decoded
// invocation array. The body's JSON array shape (DecodeBody) and its
// Content-Type must already have been checked by the HTTP layer; Execute
// does not look at the raw body.
func Execute(store Store, registry Registry, accountID string, invocations []Invocation) ([]Response, error) {
	lock, err := store.LockInbox(accountID)
	if err != nil {
		return nil, &StorageError{Err: err}
	}
	defer func() {
		if lock != nil {
			lock.Unlock()
		}
	}()

	idmap := NewIdmap()
	responses := make([]Response, 0, len(invocations))

	for _, inv := range invocations {
		if inv.Tag == "" {
			// Tolerant of malformed entries: skip silently.
			continue
		}

		handler, ok := registry.Lookup(inv.Name)
		if !ok {
			responses = append(responses, ErrorResponse(inv.Tag, ErrUnknownMethod))
			continue
		}

		modseq, err := lock.ModSeq()
		if err != nil {
			return nil, &StorageError{Err: err}
		}

		ctx := &Context{
			AccountID: accountID,
			Args:      inv.Args,
			Tag:       inv.Tag,
			State:     strconv.FormatInt(modseq, 10),
			Idmap:     idmap,
			responses: &responses,
		}

		if err := handler(ctx); err != nil {
			// Fatal: release the lock and abort without serializing a
			// partial response.
			lock.Unlock()
			lock = nil
			return nil, &StorageError{Err: err}
		}
	}

	// Release the inbox lock before serialization to keep the critical
	// section short.
	if lock != nil {
		unlockErr := lock.Unlock()
		lock = nil
		if unlockErr != nil {
			return nil, &StorageError{Err: unlockErr}
		}
	}

	return responses, nil
}

// DecodeBody parses an HTTP request body into an invocation array,
// producing a *BadRequest when the body itself is not a JSON array. An
// individual element that fails to decode as a 3-tuple is tolerated: it
// is dropped rather than failing the whole request, mirroring
// original_source/imap/http_jmap.c's per-message "if (!id) continue;"
// rather than aborting the outer loop.
func DecodeBody(body []byte) ([]Invocation, error) {
	if len(body) == 0 {
		return nil, &BadRequest{Reason: "empty body"}
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &BadRequest{Reason: "body is not a JSON array of invocations: " + err.Error()}
	}
	invocations := make([]Invocation, 0, len(raw))
	for _, r := range raw {
		var inv Invocation
		if err := json.Unmarshal(r, &inv); err != nil {
			continue
		}
		invocations = append(invocations, inv)
	}
	return invocations, nil
}
