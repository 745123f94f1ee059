package jmapstore

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/spilldb/jmapd/carddav"
)

// GetCards satisfies carddav.View: every live card of kind in mailbox.
// Grounded on original_source/imap/http_jmap.c's get_cards callback shape.
func (s *Store) GetCards(mailbox string, kind carddav.Kind) ([]carddav.CardMeta, error) {
	conn := s.PoolRO.Get(nil)
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT c.UID, c.IMAPUID, c.Resource, c.ModSequence
		FROM Cards c
		JOIN Mailboxes m ON m.MailboxID = c.MailboxID
		WHERE m.Name = $mailbox AND c.Kind = $kind AND c.Alive = TRUE
		ORDER BY c.IMAPUID;`)
	stmt.SetText("$mailbox", mailbox)
	stmt.SetText("$kind", string(kind))

	var out []carddav.CardMeta
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, carddav.CardMeta{
			UID:      stmt.GetText("UID"),
			Mailbox:  mailbox,
			IMAPUID:  stmt.GetInt64("IMAPUID"),
			Resource: stmt.GetText("Resource"),
			Kind:     kind,
			Alive:    true,
			ModSeq:   stmt.GetInt64("ModSequence"),
		})
	}
	return out, nil
}

// GetUpdates satisfies carddav.View. See CardRemovals' doc comment in
// sql.go for why a plain content update can legitimately surface in both
// the alive and removed streams here; stripSpuriousDeletes is applied by
// the caller (carddav package), not here, to keep this method a faithful
// passthrough of the raw storage feed.
func (s *Store) GetUpdates(sinceModSeq int64, kind carddav.Kind) ([]carddav.CardMeta, error) {
	conn := s.PoolRO.Get(nil)
	defer s.PoolRO.Put(conn)

	var out []carddav.CardMeta

	stmt := conn.Prep(`SELECT c.UID, m.Name AS MailboxName, c.IMAPUID, c.Resource, c.ModSequence
		FROM Cards c
		JOIN Mailboxes m ON m.MailboxID = c.MailboxID
		WHERE c.Kind = $kind AND c.Alive = TRUE AND c.ModSequence > $since;`)
	stmt.SetText("$kind", string(kind))
	stmt.SetInt64("$since", sinceModSeq)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, carddav.CardMeta{
			UID:      stmt.GetText("UID"),
			Mailbox:  stmt.GetText("MailboxName"),
			IMAPUID:  stmt.GetInt64("IMAPUID"),
			Resource: stmt.GetText("Resource"),
			Kind:     kind,
			Alive:    true,
			ModSeq:   stmt.GetInt64("ModSequence"),
		})
	}

	stmt = conn.Prep(`SELECT DISTINCT UID, ModSequence FROM CardRemovals
		WHERE Kind = $kind AND ModSequence > $since;`)
	stmt.SetText("$kind", string(kind))
	stmt.SetInt64("$since", sinceModSeq)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, carddav.CardMeta{
			UID:    stmt.GetText("UID"),
			Kind:   kind,
			Alive:  false,
			ModSeq: stmt.GetInt64("ModSequence"),
		})
	}

	return out, nil
}

// LookupUID satisfies carddav.View.
func (s *Store) LookupUID(uid string) (carddav.CardMeta, bool, error) {
	conn := s.PoolRO.Get(nil)
	defer s.PoolRO.Put(conn)
	return s.lookupUID(conn, uid)
}

func (s *Store) lookupUID(conn *sqlite.Conn, uid string) (carddav.CardMeta, bool, error) {
	stmt := conn.Prep(`SELECT c.UID, m.Name AS MailboxName, c.IMAPUID, c.Resource, c.Kind, c.Alive, c.ModSequence
		FROM Cards c JOIN Mailboxes m ON m.MailboxID = c.MailboxID
		WHERE c.UID = $uid;`)
	stmt.SetText("$uid", uid)
	hasRow, err := stmt.Step()
	if err != nil {
		return carddav.CardMeta{}, false, err
	}
	if !hasRow {
		return carddav.CardMeta{}, false, nil
	}
	return carddav.CardMeta{
		UID:      stmt.GetText("UID"),
		Mailbox:  stmt.GetText("MailboxName"),
		IMAPUID:  stmt.GetInt64("IMAPUID"),
		Resource: stmt.GetText("Resource"),
		Kind:     carddav.Kind(stmt.GetText("Kind")),
		Alive:    stmt.GetBool("Alive"),
		ModSeq:   stmt.GetInt64("ModSequence"),
	}, true, nil
}

// ReadCard satisfies carddav.Store.
func (s *Store) ReadCard(meta carddav.CardMeta) ([]byte, carddav.Annotations, error) {
	conn := s.PoolRO.Get(nil)
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT Content, Flagged, Importance FROM Cards WHERE UID = $uid;`)
	stmt.SetText("$uid", meta.UID)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, carddav.Annotations{}, err
	}
	if !hasRow {
		return nil, carddav.Annotations{}, fmt.Errorf("jmapstore.ReadCard: %s not found", meta.UID)
	}
	content := append([]byte(nil), stmt.GetBytes("Content")...)
	ann := carddav.Annotations{
		Flagged:    stmt.GetBool("Flagged"),
		Importance: stmt.GetFloat("Importance"),
	}
	return content, ann, nil
}

func mailboxIDByName(conn *sqlite.Conn, name string) (int64, error) {
	stmt := conn.Prep(`SELECT MailboxID FROM Mailboxes WHERE Name = $name;`)
	stmt.SetText("$name", name)
	id, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("jmapstore: no such mailbox %q", name)
	}
	return id, nil
}

// CreateCard satisfies carddav.Store, appending a brand new card.
func (s *Store) CreateCard(mailbox string, kind carddav.Kind, uid string, vcardBody []byte, flagged bool) (meta carddav.CardMeta, err error) {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	mailboxID, err := mailboxIDByName(conn, mailbox)
	if err != nil {
		return carddav.CardMeta{}, err
	}

	imapUID, err := nextUID(conn, mailboxID)
	if err != nil {
		return carddav.CardMeta{}, err
	}
	resource := uid + ".vcf"

	modSeq, err := bumpModSeq(conn, s.AccountID)
	if err != nil {
		return carddav.CardMeta{}, err
	}

	stmt := conn.Prep(`INSERT INTO Cards
		(UID, MailboxID, IMAPUID, Resource, Kind, Alive, ModSequence, Flagged, Importance, Content)
		VALUES ($uid, $mailboxID, $imapUID, $resource, $kind, TRUE, $modSeq, $flagged, NULL, $content);`)
	stmt.SetText("$uid", uid)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$imapUID", imapUID)
	stmt.SetText("$resource", resource)
	stmt.SetText("$kind", string(kind))
	stmt.SetInt64("$modSeq", modSeq)
	stmt.SetBool("$flagged", flagged)
	stmt.SetBytes("$content", vcardBody)
	if _, err := stmt.Step(); err != nil {
		return carddav.CardMeta{}, err
	}

	return carddav.CardMeta{
		UID: uid, Mailbox: mailbox, IMAPUID: imapUID, Resource: resource,
		Kind: kind, Alive: true, ModSeq: modSeq,
	}, nil
}

func nextUID(conn *sqlite.Conn, mailboxID int64) (int64, error) {
	stmt := conn.Prep(`SELECT NextUID FROM Mailboxes WHERE MailboxID = $id;`)
	stmt.SetInt64("$id", mailboxID)
	uid, err := sqlitex.ResultInt64(stmt)
	if err != nil {
		return 0, err
	}
	stmt = conn.Prep(`UPDATE Mailboxes SET NextUID = NextUID + 1 WHERE MailboxID = $id;`)
	stmt.SetInt64("$id", mailboxID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return uid, nil
}

// ReplaceCard satisfies carddav.Store's update/move discipline: uid's
// Cards row moves to the new mailbox/content in place (covers both a
// plain in-place update and a move across address books), while the
// superseded version is always logged into CardRemovals so the raw feed
// carries the spurious removed+changed pair stripSpuriousDeletes collapses.
func (s *Store) ReplaceCard(uid string, mailbox string, kind carddav.Kind, vcardBody []byte) (meta carddav.CardMeta, err error) {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	existing, ok, err := s.lookupUID(conn, uid)
	if err != nil {
		return carddav.CardMeta{}, err
	}
	if !ok {
		return carddav.CardMeta{}, fmt.Errorf("jmapstore.ReplaceCard: %s not found", uid)
	}

	mailboxID, err := mailboxIDByName(conn, mailbox)
	if err != nil {
		return carddav.CardMeta{}, err
	}
	imapUID, err := nextUID(conn, mailboxID)
	if err != nil {
		return carddav.CardMeta{}, err
	}

	modSeq, err := bumpModSeq(conn, s.AccountID)
	if err != nil {
		return carddav.CardMeta{}, err
	}

	// Log the superseded version so GetUpdates' raw feed shows both a
	// removed and a changed event for uid in the same window; the caller
	// collapses this via strip_spurious_deletes.
	if err := logRemoval(conn, existing.UID, kind, modSeq); err != nil {
		return carddav.CardMeta{}, err
	}

	stmt := conn.Prep(`UPDATE Cards SET
			MailboxID = $mailboxID, IMAPUID = $imapUID, Resource = $resource,
			ModSequence = $modSeq, Content = $content, Alive = TRUE
		WHERE UID = $uid;`)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$imapUID", imapUID)
	stmt.SetText("$resource", existing.Resource)
	stmt.SetInt64("$modSeq", modSeq)
	stmt.SetBytes("$content", vcardBody)
	stmt.SetText("$uid", uid)
	if _, err := stmt.Step(); err != nil {
		return carddav.CardMeta{}, err
	}

	return carddav.CardMeta{
		UID: uid, Mailbox: mailbox, IMAPUID: imapUID, Resource: existing.Resource,
		Kind: kind, Alive: true, ModSeq: modSeq,
	}, nil
}

// TombstoneCard satisfies carddav.Store: a true expunge (destroy; a move
// goes through ReplaceCard instead), marking the UID dead and logging the
// removal.
func (s *Store) TombstoneCard(uid string) (err error) {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	existing, ok, err := s.lookupUID(conn, uid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("jmapstore.TombstoneCard: %s not found", uid)
	}

	modSeq, err := bumpModSeq(conn, s.AccountID)
	if err != nil {
		return err
	}

	stmt := conn.Prep(`UPDATE Cards SET Alive = FALSE, ModSequence = $modSeq WHERE UID = $uid;`)
	stmt.SetInt64("$modSeq", modSeq)
	stmt.SetText("$uid", uid)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	return logRemoval(conn, uid, existing.Kind, modSeq)
}

func logRemoval(conn *sqlite.Conn, uid string, kind carddav.Kind, modSeq int64) error {
	stmt := conn.Prep(`INSERT INTO CardRemovals (UID, Kind, ModSequence) VALUES ($uid, $kind, $modSeq);`)
	stmt.SetText("$uid", uid)
	stmt.SetText("$kind", string(kind))
	stmt.SetInt64("$modSeq", modSeq)
	_, err := stmt.Step()
	return err
}

// SetAnnotations satisfies carddav.Store: the "no content" fast path
// rewrites flag/annotation state without touching Content or Resource,
// and without logging a removal (nothing was superseded from the
// client's point of view, only metadata changed).
func (s *Store) SetAnnotations(uid string, ann carddav.Annotations) (err error) {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	modSeq, err := bumpModSeq(conn, s.AccountID)
	if err != nil {
		return err
	}

	stmt := conn.Prep(`UPDATE Cards SET Flagged = $flagged, Importance = $importance, ModSequence = $modSeq
		WHERE UID = $uid;`)
	stmt.SetBool("$flagged", ann.Flagged)
	if ann.Importance == 0 {
		stmt.SetNull("$importance")
	} else {
		stmt.SetFloat("$importance", ann.Importance)
	}
	stmt.SetInt64("$modSeq", modSeq)
	stmt.SetText("$uid", uid)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("jmapstore.SetAnnotations: %s not found", uid)
	}
	return nil
}

// AccountModSeq satisfies carddav.Store.
func (s *Store) AccountModSeq() (int64, error) {
	conn := s.PoolRO.Get(nil)
	defer s.PoolRO.Put(conn)
	stmt := conn.Prep(`SELECT NextModSequence FROM Account WHERE AccountID = $id;`)
	stmt.SetText("$id", s.AccountID)
	return sqlitex.ResultInt64(stmt)
}
