// Package account implements user and device-password management for a
// jmapd installation, adapted from spilldb/db/db.go's AddUser/AddDevice/
// UserDetails.Validate -- a JMAP endpoint still needs exactly the same
// "who is this HTTP request from" answer a mail store does, by device app
// password rather than session cookie.
package account

import (
	"crypto/rand"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
	"github.com/spilldb/jmapd/third_party/imf"
)

// UserError is a user-input error with a message safe to show the caller,
// mirroring spilldb/db/db.go's UserError.
type UserError struct {
	UserMsg string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}

var ErrUserUnavailable = &UserError{UserMsg: "Username unavailable."}

const createSQL = `
CREATE TABLE IF NOT EXISTS Users (
	UserID INTEGER PRIMARY KEY,
	EmailAddr TEXT NOT NULL UNIQUE,
	FullName TEXT NOT NULL,
	PassHash BLOB NOT NULL,
	AddressbookPrefix TEXT NOT NULL,
	Locked BOOLEAN NOT NULL DEFAULT FALSE,
	Created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Devices (
	DeviceID INTEGER PRIMARY KEY,
	UserID INTEGER NOT NULL REFERENCES Users(UserID),
	DeviceName TEXT NOT NULL,
	AppPassHash BLOB NOT NULL,
	Created INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS DevicesUserID ON Devices(UserID);
`

// Open opens (creating if necessary) the account database at dbfile.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("account.Open: init open: %v", err)
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("account.Open: init schema: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("account.Open: init close: %v", err)
	}
	return sqlitex.Open(dbfile, 0, 8)
}

// UserDetails is the input to AddUser, validated the way
// spilldb/db/db.go's UserDetails.Validate does it.
type UserDetails struct {
	FullName  string
	EmailAddr string
	Password  string
}

func (d *UserDetails) Validate() error {
	if len(d.FullName) > 150 {
		return &UserError{UserMsg: "full name too long"}
	}
	if len(d.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	if _, err := imf.ParseAddress(d.EmailAddr); err != nil {
		return &UserError{UserMsg: err.Error()}
	}
	return nil
}

// AddUser creates a new account, returning the UserID and its addressbook
// prefix: the mailbox namespace this account's address books live under
// (jmapstore.Store.AddressbookPrefix).
func AddUser(conn *sqlite.Conn, details UserDetails) (userID int64, addressbookPrefix string, err error) {
	if err := details.Validate(); err != nil {
		return 0, "", err
	}
	passHash, err := bcrypt.GenerateFromPassword([]byte(details.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, "", err
	}

	prefix := randomPrefix()

	stmt := conn.Prep(`INSERT INTO Users (EmailAddr, FullName, PassHash, AddressbookPrefix, Locked, Created)
		VALUES ($email, $fullName, $passHash, $prefix, FALSE, $created);`)
	stmt.SetText("$email", details.EmailAddr)
	stmt.SetText("$fullName", details.FullName)
	stmt.SetBytes("$passHash", passHash)
	stmt.SetText("$prefix", prefix)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, "", ErrUserUnavailable
	}
	return conn.LastInsertRowID(), prefix, nil
}

func randomPrefix() string {
	var b [8]byte
	rand.Read(b[:])
	return fmt.Sprintf("#addressbooks-%x", b)
}

// AddDevice mints a bcrypt-hashed app password for userID, the credential a
// JMAP client authenticates an HTTP batch request with.
func AddDevice(conn *sqlite.Conn, userID int64, deviceName, appPassword string) (deviceID int64, err error) {
	appPassHash, err := bcrypt.GenerateFromPassword([]byte(appPassword), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	stmt := conn.Prep(`INSERT INTO Devices (UserID, DeviceName, AppPassHash, Created)
		VALUES ($userID, $deviceName, $appPassHash, $created);`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$deviceName", deviceName)
	stmt.SetBytes("$appPassHash", appPassHash)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// Authenticate checks emailAddr/appPassword against every device password
// on file for that user, returning the UserID and addressbook prefix on
// success. This is the collaborator httpapi uses for HTTP Basic auth.
func Authenticate(conn *sqlite.Conn, emailAddr, appPassword string) (userID int64, addressbookPrefix string, ok bool, err error) {
	stmt := conn.Prep(`SELECT UserID, AddressbookPrefix, Locked FROM Users WHERE EmailAddr = $email;`)
	stmt.SetText("$email", emailAddr)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, "", false, err
	}
	if !hasRow {
		return 0, "", false, nil
	}
	userID = stmt.GetInt64("UserID")
	addressbookPrefix = stmt.GetText("AddressbookPrefix")
	locked := stmt.GetBool("Locked")
	if locked {
		return 0, "", false, nil
	}

	stmt = conn.Prep(`SELECT AppPassHash FROM Devices WHERE UserID = $userID;`)
	stmt.SetInt64("$userID", userID)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return 0, "", false, err
		}
		if !hasRow {
			break
		}
		hash := append([]byte(nil), stmt.GetBytes("AppPassHash")...)
		if bcrypt.CompareHashAndPassword(hash, []byte(appPassword)) == nil {
			return userID, addressbookPrefix, true, nil
		}
	}
	return 0, "", false, nil
}
