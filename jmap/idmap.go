package jmap

import "strings"

// Idmap is the batch-scoped mapping from a client creation-key to the
// server UUID minted when that creation succeeded. It is
// allocated at batch start and discarded once the batch's response has
// been flushed; callers never persist one.
type Idmap struct {
	m map[string]string
}

// NewIdmap returns an empty idmap ready for one batch.
func NewIdmap() *Idmap {
	return &Idmap{m: make(map[string]string)}
}

// Put records that creation-key key minted server id uuid.
func (im *Idmap) Put(key, uuid string) {
	im.m[key] = uuid
}

// Resolve rewrites id through the idmap: a leading "#" (JMAP reference
// syntax) is stripped before lookup, and any id that happens to also be a
// creation-key in this batch is rewritten too. If there is no mapping the
// original id passes through unchanged.
func (im *Idmap) Resolve(id string) string {
	key := strings.TrimPrefix(id, "#")
	if uuid, ok := im.m[key]; ok {
		return uuid
	}
	return id
}
