// Package mailboxlist implements the getMailboxes method: walking the
// user's mailbox namespace, filtering by ACL, and building a per-mailbox
// status summary.
package mailboxlist

import (
	"github.com/spilldb/jmapd/jmap"
	"github.com/spilldb/jmapd/jmapstore"
)

// Lister is the mailbox-store collaborator this handler needs.
type Lister interface {
	ListMailboxes() ([]jmapstore.MailboxEntry, error)
}

// Handler returns the jmap.Handler for "getMailboxes", bound to store.
func Handler(store Lister) jmap.Handler {
	return func(ctx *jmap.Context) error {
		entries, err := store.ListMailboxes()
		if err != nil {
			return err // unrecoverable storage error: abort the batch
		}

		list := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			role := interface{}(nil)
			if e.Role != "" {
				role = e.Role
			}
			parent := interface{}(nil)
			if e.ParentID != "" {
				parent = e.ParentID
			}
			list = append(list, map[string]interface{}{
				"id":               e.ID,
				"name":             e.Name,
				"parentId":         parent,
				"role":             role,
				"mayAddMessages":   e.MayAddMessages,
				"mayRemoveMessages": e.MayRemoveMessages,
				"mayCreateChild":   e.MayCreateChild,
				"mayDeleteMailbox": e.MayDeleteMailbox,
				"totalMessages":    e.TotalMessages,
				"unreadMessages":   e.UnreadMessages,
			})
		}

		ctx.Respond("mailboxes", map[string]interface{}{
			"accountId": ctx.AccountID,
			"state":     ctx.State,
			"list":      list,
			"notFound":  nil,
		})
		return nil
	}
}
