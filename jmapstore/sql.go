package jmapstore

// createSQL is the schema for one account's store: its mailbox namespace,
// the account-wide modification sequence used as the JMAP state token, and
// the CardDAV card index. Modeled on spilldb/spillbox's schema shape
// (Mailboxes/MailboxSequencing tables, UNIQUE(Name), the rename-bumps-
// UIDValidity trigger) but trimmed to what a CardDAV-only store needs: no
// email Msgs/Convos/MsgParts tables, since this store never holds mail.
const createSQL = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS Account (
	AccountID       TEXT PRIMARY KEY,
	NextModSequence INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Mailboxes (
	MailboxID   INTEGER PRIMARY KEY,
	Name        TEXT,
	DeletedName TEXT,
	Role        TEXT NOT NULL DEFAULT '', -- "inbox"/"archive"/"drafts"/"sent"/"trash"/"spam"/""
	IsAddressBook BOOLEAN NOT NULL DEFAULT FALSE,
	ACLRights   INTEGER NOT NULL DEFAULT 0, -- bitmask, see ACL* constants
	NextUID     INTEGER NOT NULL,
	UIDValidity INTEGER NOT NULL,

	UNIQUE(Name)
);

CREATE INDEX IF NOT EXISTS MailboxesName ON Mailboxes (Name);

CREATE TRIGGER IF NOT EXISTS MailboxRenameUIDValidity
AFTER UPDATE OF Name ON Mailboxes
FOR EACH ROW
BEGIN
	UPDATE Mailboxes
		SET UIDValidity = (SELECT max(UIDValidity) FROM Mailboxes) + 1
		WHERE MailboxID = new.MailboxID;
END;

-- Cards is the CardDAV metadata index: one row per vCard
-- UID, never deleted. Alive=0 marks a destroyed card for LookupUID and
-- GetCards; GetUpdates takes its removed entries from CardRemovals. Content
-- is the source-of-truth vCard text exactly as serialized, with no
-- RFC-822 message envelope (no From/Subject/Message-ID headers); a real Cyrus
-- deployment keeps this in the mailbox store proper and the index
-- separately, but a single row serves both roles here without losing any
-- of the interface shape the CardDAV view needs from a caller.
CREATE TABLE IF NOT EXISTS Cards (
	UID         TEXT PRIMARY KEY,
	MailboxID   INTEGER NOT NULL,
	IMAPUID     INTEGER NOT NULL,
	Resource    TEXT NOT NULL,
	Kind        TEXT NOT NULL, -- "contact" | "group"
	Alive       BOOLEAN NOT NULL,
	ModSequence INTEGER NOT NULL,
	Flagged     BOOLEAN NOT NULL DEFAULT FALSE,   -- IMAP \Flagged on the containing message
	Importance  REAL,                              -- dav:...importance annotation
	Content     BLOB NOT NULL,

	FOREIGN KEY(MailboxID) REFERENCES Mailboxes(MailboxID)
);

CREATE INDEX IF NOT EXISTS CardsMailboxKind ON Cards (MailboxID, Kind, Alive);
CREATE INDEX IF NOT EXISTS CardsModSequence ON Cards (ModSequence);

-- CardRemovals is an append-only log of "this UID's prior version is gone"
-- events, written alongside every replace (the superseded content) and
-- every tombstone (destroy; a move is a replace). GetUpdates scans
-- this together with Cards' current alive rows; a UID that both replaced
-- content and landed in Cards as alive in the same window shows up in
-- both streams, which is exactly the spurious-delete artifact
-- stripSpuriousDeletes collapses.
CREATE TABLE IF NOT EXISTS CardRemovals (
	UID         TEXT NOT NULL,
	Kind        TEXT NOT NULL,
	ModSequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS CardRemovalsModSequence ON CardRemovals (ModSequence);
`
