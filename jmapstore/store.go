// Package jmapstore is the concrete mailbox store: locking, modseq, ACL,
// append/expunge, and the CardDAV metadata index. It is grounded on
// spilldb/spillbox and spilldb/imapdb's sqlite patterns, trimmed to what
// a CardDAV-only store needs.
package jmapstore

import (
	"fmt"
	"strings"
	"sync"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/spilldb/jmapd/jmap"
)

// ACL rights bitmask, named after the Cyrus rights Cyrus imapd's
// http_jmap.c checks (ACL_LOOKUP/ACL_READ/ACL_INSERT/ACL_DELETEMSG/
// ACL_CREATE/ACL_DELETEMBOX). This store has no multi-tenant ACL model
// (one local user per account); this bitmask is carried on each mailbox
// row so mailboxlist can apply its "skip mailboxes lacking both lookup
// and read" rule uniformly even though every mailbox in this
// single-account store currently grants full rights to its owner.
type ACLRights int

const (
	ACLLookup ACLRights = 1 << iota
	ACLRead
	ACLInsert
	ACLDeleteMsg
	ACLCreate
	ACLDeleteMbox

	ACLAll = ACLLookup | ACLRead | ACLInsert | ACLDeleteMsg | ACLCreate | ACLDeleteMbox
)

// Store is one account's mailbox store and CardDAV index.
type Store struct {
	AccountID         string
	AddressbookPrefix string // e.g. "#addressbooks", the mailbox name prefix address books live under
	filer             *iox.Filer
	logf              func(format string, v ...interface{})

	PoolRW *sqlitex.Pool
	PoolRO *sqlitex.Pool

	mu sync.Mutex // the intent-write lock: freezes NextModSequence reads for one batch
}

// Open opens or creates the sqlite-backed store at dbfile for accountID.
// Mirrors spilldb/spillbox.New's pool-open sequence (init on a dedicated
// connection, then open the read/write and read-only pools).
func Open(accountID, dbfile string, filer *iox.Filer, poolSize int, addressbookPrefix string, logf func(format string, v ...interface{})) (_ *Store, err error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if addressbookPrefix == "" {
		addressbookPrefix = "#addressbooks"
	}
	s := &Store{
		AccountID:         accountID,
		AddressbookPrefix: addressbookPrefix,
		filer:             filer,
		logf:              logf,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	flags := sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_WAL | sqlite.SQLITE_OPEN_URI | sqlite.SQLITE_OPEN_NOMUTEX
	flagsRW := flags | sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE

	s.PoolRW, err = sqlitex.Open(dbfile, flagsRW, 1)
	if err != nil {
		return nil, err
	}
	conn := s.PoolRW.Get(nil)
	err = initDB(conn, accountID)
	s.PoolRW.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("jmapstore.Open: init: %v", err)
	}

	if poolSize > 1 {
		flagsRO := flags | sqlite.SQLITE_OPEN_READONLY
		s.PoolRO, err = sqlitex.Open(dbfile, flagsRO, poolSize-1)
		if err != nil {
			return nil, err
		}
	} else {
		s.PoolRO = s.PoolRW
	}

	if err := s.initMailboxes(); err != nil {
		return nil, err
	}

	return s, nil
}

func initDB(conn *sqlite.Conn, accountID string) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	defer sqlitex.Save(conn)(&err)
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	stmt := conn.Prep(`INSERT OR IGNORE INTO Account (AccountID, NextModSequence) VALUES ($id, 1);`)
	stmt.SetText("$id", accountID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return nil
}

// initMailboxes creates the well-known mailboxes every account needs
// (Inbox plus a default address book), matching spillbox.Box.Init's
// create-on-first-use pattern.
func (s *Store) initMailboxes() error {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)

	for _, mb := range []struct {
		name   string
		role   string
		isAbook bool
	}{
		{"INBOX", "inbox", false},
		{s.abookPath("Default"), "", true},
	} {
		if err := s.createMailboxLocked(conn, mb.name, mb.role, mb.isAbook); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) abookPath(abookID string) string {
	return s.AddressbookPrefix + "/" + abookID
}

// AddressbookID returns the tail of an address-book mailbox name after the
// known prefix.
func (s *Store) AddressbookID(mailboxName string) string {
	return strings.TrimPrefix(mailboxName, s.AddressbookPrefix+"/")
}

// ResolveAddressbook maps an addressbookId argument (default "Default") to
// its backing mailbox name, creating it on first use the same way
// spilldb/spillbox/mailbox.go's CreateMailbox is invoked lazily.
func (s *Store) ResolveAddressbook(abookID string) (string, error) {
	if abookID == "" {
		abookID = "Default"
	}
	name := s.abookPath(abookID)
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)
	if err := s.createMailboxLocked(conn, name, "", true); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Store) Close() error {
	var err error
	if s.PoolRW != nil {
		err = s.PoolRW.Close()
	}
	if s.PoolRO != nil && s.PoolRO != s.PoolRW {
		if cerr := s.PoolRO.Close(); err == nil {
			err = cerr
		}
	}
	s.PoolRW, s.PoolRO = nil, nil
	return err
}

// accountLock implements jmap.InboxLock: the intent-write lock the batch
// executor holds on the account's inbox for the duration of one request.
// It is a plain in-process mutex: this store's writes already serialize
// through the single-connection PoolRW, so the mutex's only remaining
// job is to give the executor a coherent, non-interleaved view of
// NextModSequence across a whole batch, freezing it against any
// concurrent mutation for the batch's duration.
type accountLock struct {
	s *Store
}

func (l *accountLock) ModSeq() (int64, error) {
	conn := l.s.PoolRO.Get(nil)
	defer l.s.PoolRO.Put(conn)
	stmt := conn.Prep(`SELECT NextModSequence FROM Account WHERE AccountID = $id;`)
	stmt.SetText("$id", l.s.AccountID)
	return sqlitex.ResultInt64(stmt)
}

func (l *accountLock) Unlock() error {
	l.s.mu.Unlock()
	return nil
}

// LockInbox satisfies jmap.Store.
func (s *Store) LockInbox(accountID string) (jmap.InboxLock, error) {
	s.mu.Lock()
	return &accountLock{s: s}, nil
}

// bumpModSeq advances and returns the account's modification sequence.
// Every card mutation calls this inside the same sqlitex.Save transaction
// as its row change, matching imapdb.go's "stamp a fresh modseq per
// mutating call" pattern.
func bumpModSeq(conn *sqlite.Conn, accountID string) (int64, error) {
	stmt := conn.Prep(`UPDATE Account SET NextModSequence = NextModSequence + 1 WHERE AccountID = $id;`)
	stmt.SetText("$id", accountID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	stmt = conn.Prep(`SELECT NextModSequence FROM Account WHERE AccountID = $id;`)
	stmt.SetText("$id", accountID)
	return sqlitex.ResultInt64(stmt)
}
