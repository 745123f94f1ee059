// Package carddav implements the contact/contact-group object mapper and
// the set/update/destroy engine, against a CardDAV metadata index and
// vCard tokenizer/serializer reached through the interfaces below.
package carddav

// Kind distinguishes a contact from a contact group.
type Kind string

const (
	KindContact Kind = "contact"
	KindGroup   Kind = "group"
)

// CardMeta is the card metadata exposed by the CardDAV view: vCard UID,
// underlying mailbox name, IMAP UID of the message, resource filename,
// kind, and alive flag.
type CardMeta struct {
	UID      string
	Mailbox  string
	IMAPUID  int64
	Resource string
	Kind     Kind
	Alive    bool
	ModSeq   int64
}

// Annotations holds the two pieces of per-card state that live outside the
// vCard body proper: the IMAP
// \Flagged bit and the dav:...importance shared annotation.
type Annotations struct {
	Flagged    bool
	Importance float64
}

// View is the CardDAV metadata index interface consumed by the get/update
// handlers.
type View interface {
	// GetCards invokes nothing itself; it returns every live card of kind
	// in the named address-book mailbox.
	GetCards(mailbox string, kind Kind) ([]CardMeta, error)

	// GetUpdates returns every card of kind whose tombstone or
	// last-modified modseq is strictly greater than sinceModSeq,
	// including tombstoned records with Alive=false.
	GetUpdates(sinceModSeq int64, kind Kind) ([]CardMeta, error)

	// LookupUID resolves a UID to its current location. ok is false if
	// the UID is unknown (never existed; a tombstoned UID is still found
	// with Alive=false).
	LookupUID(uid string) (meta CardMeta, ok bool, err error)
}

// Store is the full external storage interface the set engine drives:
// View plus the Append and mailbox-resolution operations.
type Store interface {
	View

	// ResolveAddressbook maps an addressbookId argument (default
	// "Default") to its backing mailbox name, creating it on first use.
	ResolveAddressbook(abookID string) (mailbox string, err error)

	// AddressbookID is the inverse: the addressBookId tail of a mailbox
	// name.
	AddressbookID(mailbox string) string

	// ReadCard returns the raw vCard message body and annotations for a
	// card previously returned by GetCards/GetUpdates/LookupUID.
	ReadCard(meta CardMeta) (vcardBody []byte, ann Annotations, err error)

	// CreateCard stages and appends a brand new card,
	// minting its IMAP UID and resource name.
	CreateCard(mailbox string, kind Kind, uid string, vcardBody []byte, flagged bool) (CardMeta, error)

	// ReplaceCard re-serializes an existing UID's content into mailbox
	// (its current mailbox for an in-place update, or a different one for
	// a move). The UID's identity stays alive across the call: its index
	// entry is rewritten in place with the new content and mailbox, and no
	// unbind flag or other IMAP flag is set on the superseded version;
	// ReplaceCard always logs the superseded version into the
	// removed stream, which is exactly the spurious-delete artifact
	// stripSpuriousDeletes exists to collapse for both the plain-update
	// and the move case alike. TombstoneCard is the only path that leaves
	// a UID genuinely dead.
	ReplaceCard(uid string, mailbox string, kind Kind, vcardBody []byte) (CardMeta, error)

	// TombstoneCard expunges uid outright: the destroy path. A move does
	// not use it; it goes through ReplaceCard.
	TombstoneCard(uid string) error

	// SetAnnotations rewrites a card's flag/annotation state in place
	// without touching its vCard content -- the "no content" fast path.
	SetAnnotations(uid string, ann Annotations) error

	// AccountModSeq is the current account modseq, used to report
	// newState after a set's mutations commit.
	AccountModSeq() (int64, error)
}
