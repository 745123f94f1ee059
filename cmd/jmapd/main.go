// Command jmapd serves the JMAP/CardDAV batch endpoint, adapted from
// cmd/spilld/main.go's flag parsing, dev-cert/autocert TLS selection, and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"crawshaw.io/iox"
	"golang.org/x/crypto/acme/autocert"

	"github.com/spilldb/jmapd/account"
	"github.com/spilldb/jmapd/carddav"
	"github.com/spilldb/jmapd/httpapi"
	"github.com/spilldb/jmapd/jmap"
	"github.com/spilldb/jmapd/jmapstore"
	"github.com/spilldb/jmapd/mailboxlist"
	"github.com/spilldb/jmapd/util/devcert"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("cannot read hostname: %v, using localhost", err)
		hostname = "localhost"
	}

	flagDev := flag.Bool("dev", false, "development server: local CA, verbose logging")
	flagDBDir := flag.String("db", "", "jmapd database directory")
	flagAddr := flag.String("addr", ":443", "HTTPS address for the /jmap endpoint")
	flagHostname := flag.String("hostname", hostname, "public hostname, used for autocert")
	flagDebugAddr := flag.String("debug-addr", "", "HTTP address for the debug server (do *not* expose publicly)")
	flagAddressbookPrefix := flag.String("addressbook-prefix", "#addressbooks", "mailbox name prefix for address books")
	flagPrettyJSON := flag.Bool("pretty-json", false, "indent JSON batch responses (debugging only)")
	flag.Parse()

	logf := log.Printf
	logf("jmapd, version %s, starting at %s", version, time.Now())

	if *flagDBDir == "" {
		tmp, err := os.MkdirTemp("", "jmapd-")
		if err != nil {
			log.Fatal(err)
		}
		*flagDBDir = tmp
	}
	if err := os.MkdirAll(*flagDBDir, 0770); err != nil {
		log.Fatalf("jmapd: initialize dbdir: %v", err)
	}

	filer := iox.NewFiler(0)

	accountDB, err := account.Open(filepath.Join(*flagDBDir, "accounts.db"))
	if err != nil {
		log.Fatalf("jmapd: open account db: %v", err)
	}

	stores := newStoreSet(filer, *flagDBDir, *flagAddressbookPrefix, logf)

	registry := jmap.Registry{
		"getMailboxes":           perAccount(stores, mailboxlist.Handler),
		"getContacts":            perAccount(stores, carddav.GetContactsHandler),
		"getContactUpdates":      perAccount(stores, carddav.GetContactUpdatesHandler),
		"setContacts":            perAccount(stores, carddav.SetContactsHandler),
		"getContactGroups":       perAccount(stores, carddav.GetContactGroupsHandler),
		"getContactGroupUpdates": perAccount(stores, carddav.GetContactGroupUpdatesHandler),
		"setContactGroups":       perAccount(stores, carddav.SetContactGroupsHandler),
	}

	var tlsConfig *tls.Config
	var certManager *autocert.Manager
	if *flagDev {
		logf("***DEVELOPMENT MODE***")
		tlsConfig, err = devcert.Config()
		if err != nil {
			log.Fatal(err)
		}
	} else {
		certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(*flagHostname),
			Cache:      autocert.DirCache(filepath.Join(*flagDBDir, "tls_certs")),
		}
		tlsConfig = &tls.Config{GetCertificate: certManager.GetCertificate}
	}

	mux := http.NewServeMux()
	mux.Handle("/jmap", httpapi.Handler(accountDB, stores, registry, *flagPrettyJSON, logf))

	srv := &http.Server{
		Addr:      *flagAddr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		go func() {
			logf("debug HTTP starting on %s", *flagDebugAddr)
			if err := http.ListenAndServe(*flagDebugAddr, debugMux); err != nil && err != http.ErrServerClosed {
				logf("jmapd: debug server: %v", err)
			}
		}()
	}

	if certManager != nil {
		go func() {
			if err := http.ListenAndServe(":80", certManager.HTTPHandler(nil)); err != nil && err != http.ErrServerClosed {
				logf("jmapd: autocert HTTP-01 listener: %v", err)
			}
		}()
	}

	go func() {
		ln, err := net.Listen("tcp", *flagAddr)
		if err != nil {
			log.Fatal(err)
		}
		logf("jmapd: serving on %s", ln.Addr())
		if err := srv.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
			logf("jmapd: serve error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logf("jmapd: HTTP shutdown: %v", err)
		}
	}()
	wg.Wait()

	stores.Close()
	accountDB.Close()
	if err := filer.Shutdown(shutdownCtx); err != nil {
		logf("jmapd: filer shutdown: %v", err)
	}
	logf("jmapd: shut down")
}

// storeSet lazily opens one jmapstore.Store per account, adapted from
// boxmgmt's per-user mailbox-store pooling (spilldb/boxmgmt).
type storeSet struct {
	filer                    *iox.Filer
	dbDir                    string
	defaultAddressbookPrefix string
	logf                     func(format string, v ...interface{})

	mu     sync.Mutex
	stores map[string]*jmapstore.Store
}

func newStoreSet(filer *iox.Filer, dbDir, defaultAddressbookPrefix string, logf func(format string, v ...interface{})) *storeSet {
	return &storeSet{
		filer:                    filer,
		dbDir:                    dbDir,
		defaultAddressbookPrefix: defaultAddressbookPrefix,
		logf:                     logf,
		stores:                   make(map[string]*jmapstore.Store),
	}
}

// Store returns the account's store, opening it on first use. addressbookPrefix
// is the per-account prefix from the Users table (account.Authenticate); it
// is only honored the first time an account's store is opened, since the
// store is cached thereafter. An empty addressbookPrefix falls back to the
// process-wide default, for callers (like perAccount) that only ever see an
// already-open store.
func (s *storeSet) Store(accountID, addressbookPrefix string) (jmap.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.stores[accountID]; ok {
		return store, true
	}

	if addressbookPrefix == "" {
		addressbookPrefix = s.defaultAddressbookPrefix
	}

	dbfile := filepath.Join(s.dbDir, "accounts", accountID+".db")
	if err := os.MkdirAll(filepath.Dir(dbfile), 0770); err != nil {
		s.logf("jmapd: storeSet: mkdir for %s: %v", accountID, err)
		return nil, false
	}
	store, err := jmapstore.Open(accountID, dbfile, s.filer, 4, addressbookPrefix, s.logf)
	if err != nil {
		s.logf("jmapd: storeSet: open store for %s: %v", accountID, err)
		return nil, false
	}
	s.stores[accountID] = store
	return store, true
}

func (s *storeSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, store := range s.stores {
		if err := store.Close(); err != nil {
			s.logf("jmapd: storeSet: close %s: %v", id, err)
		}
	}
}

// perAccount adapts a handler factory keyed on a single account's
// jmapstore.Store (every carddav/mailboxlist constructor takes one) into a
// jmap.Handler that resolves the right store per invocation's AccountID;
// jmapd serves many accounts out of one process, each isolated behind its
// own store, so every method needs this indirection somewhere.
func perAccount[T any](stores *storeSet, build func(T) jmap.Handler) jmap.Handler {
	cache := map[string]jmap.Handler{}
	var mu sync.Mutex
	return func(ctx *jmap.Context) error {
		mu.Lock()
		h, ok := cache[ctx.AccountID]
		mu.Unlock()
		if ok {
			return h(ctx)
		}
		store, ok := stores.Store(ctx.AccountID, "")
		if !ok {
			ctx.RespondError(jmap.ErrInvalidArguments)
			return nil
		}
		typed, ok := store.(T)
		if !ok {
			ctx.RespondError(jmap.ErrInvalidArguments)
			return nil
		}
		h = build(typed)
		mu.Lock()
		cache[ctx.AccountID] = h
		mu.Unlock()
		return h(ctx)
	}
}
