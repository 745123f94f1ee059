package jmapstore

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// createMailboxLocked creates a mailbox if it does not already exist,
// granting the owner full rights. Adapted from
// spilldb/spillbox/mailbox.go's CreateMailbox: same UIDValidity-from-max
// derivation, same INSERT-OR-IGNORE idempotence, trimmed of the
// IMAP-specific noKidsMailboxes child-mailbox restriction (no nested
// address books in this store).
func (s *Store) createMailboxLocked(conn *sqlite.Conn, name, role string, isAbook bool) (err error) {
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`INSERT OR IGNORE INTO Mailboxes (
			Name, Role, IsAddressBook, ACLRights, NextUID, UIDValidity
		) VALUES (
			$name, $role, $isAbook, $rights, 1,
			coalesce((SELECT max(UIDValidity) FROM Mailboxes), 42) + 1
		);`)
	stmt.SetText("$name", name)
	stmt.SetText("$role", role)
	stmt.SetBool("$isAbook", isAbook)
	stmt.SetInt64("$rights", int64(ACLAll))
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("jmapstore.createMailbox(%q): %v", name, err)
	}
	return nil
}

// DeleteAddressbook soft-deletes an address-book mailbox, matching
// spilldb/spillbox/mailbox.go's DeleteMailbox (Name -> NULL, DeletedName
// preserves the old label).
func (s *Store) DeleteAddressbook(name string) error {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)

	stmt := conn.Prep(`UPDATE Mailboxes SET DeletedName = Name, Name = NULL
		WHERE Name = $name;`)
	stmt.SetText("$name", name)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("jmapstore.DeleteAddressbook(%q): %v", name, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("jmapstore.DeleteAddressbook(%q): no such mailbox", name)
	}
	return nil
}

// MailboxEntry is one row of the mailbox listing, consumed by the
// mailboxlist package.
type MailboxEntry struct {
	ID               string
	Name             string
	ParentID         string
	Role             string
	MayAddMessages   bool
	MayRemoveMessages bool
	MayCreateChild   bool
	MayDeleteMailbox bool
	TotalMessages    int
	UnreadMessages   int
}

// ListMailboxes walks every mailbox visible in the account's namespace,
// skips any mailbox lacking both lookup and read rights, and returns a
// status summary per kept mailbox.
// Grounded on original_source/imap/http_jmap.c's getMailboxes_cb (ACL
// check, mailbox status fetch) and spilldb/spillbox's mailbox attrs.
func (s *Store) ListMailboxes() ([]MailboxEntry, error) {
	conn := s.PoolRO.Get(nil)
	defer s.PoolRO.Put(conn)

	var entries []MailboxEntry
	var mailboxIDs []int64
	stmt := conn.Prep(`SELECT MailboxID, Name, Role, ACLRights FROM Mailboxes
		WHERE Name IS NOT NULL ORDER BY MailboxID;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		rights := ACLRights(stmt.GetInt64("ACLRights"))
		if rights&ACLLookup == 0 && rights&ACLRead == 0 {
			continue
		}
		mailboxID := stmt.GetInt64("MailboxID")
		name := stmt.GetText("Name")

		entry := MailboxEntry{
			ID:                fmt.Sprintf("%d", mailboxID),
			Name:              name,
			Role:              stmt.GetText("Role"),
			MayAddMessages:    rights&ACLInsert != 0,
			MayRemoveMessages: rights&ACLDeleteMsg != 0,
			MayCreateChild:    rights&ACLCreate != 0,
			MayDeleteMailbox:  rights&ACLDeleteMbox != 0,
		}
		entries = append(entries, entry)
		mailboxIDs = append(mailboxIDs, mailboxID)
	}

	// Message counts are read in a second pass (over Cards, the only
	// message-bearing table this store keeps) once the lock above has been
	// released by stmt reaching EOF, avoiding nested statement use on the
	// same connection.
	for i := range entries {
		total, unread, err := s.mailboxCardCounts(conn, mailboxIDs[i])
		if err != nil {
			return nil, err
		}
		entries[i].TotalMessages = total
		entries[i].UnreadMessages = unread
	}

	return entries, nil
}

func (s *Store) mailboxCardCounts(conn *sqlite.Conn, mailboxID int64) (total, unread int, err error) {
	stmt := conn.Prep(`SELECT count(*) FROM Cards WHERE MailboxID = $id AND Alive = TRUE;`)
	stmt.SetInt64("$id", mailboxID)
	n, err := sqlitex.ResultInt(stmt)
	if err != nil {
		return 0, 0, err
	}
	// Cards have no \Seen concept in this store (no mail client reads
	// vCards as unread); unread is always 0, matching address books in a
	// real deployment which never surface unread counts either.
	return n, 0, nil
}
