// Command webdavd is component K, the server entrypoint. It wires
// internal/config, internal/realm, internal/fsresource, internal/propstore,
// internal/lockstore, internal/auth and the webdav dispatcher together into
// a runnable http.Server. Flag/command handling follows the rclone
// "serve webdav" cobra pattern (other_examples/rclone-rclone serve/webdav.go,
// read during survey); the teacher's own ExampleMain instead parsed three
// flag.* globals by hand and started listening directly, which this rework
// replaces with a proper subcommand plus graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cwho/pyfileserver/internal/auth"
	"github.com/cwho/pyfileserver/internal/config"
	"github.com/cwho/pyfileserver/internal/fsresource"
	"github.com/cwho/pyfileserver/internal/lockstore"
	"github.com/cwho/pyfileserver/internal/propstore"
	"github.com/cwho/pyfileserver/internal/realm"
	"github.com/cwho/pyfileserver/webdav"
)

var cfgFile string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "webdavd",
		Short: "Serve one or more directories over WebDAV, gated by a per-path Rego policy",
		RunE:  runServe,
	}
	root.Flags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML/JSON config file (env overrides: WEBDAVD_*)")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("webdavd: fatal")
	}
}

// realmSet is one fully wired realm binding: the binding itself, the
// protocol dispatcher serving its prefix, and the stores it owns so they
// can be closed on shutdown.
type realmSet struct {
	binding realm.Binding
	handler *webdav.Handler
	props   *propstore.Store
	locks   *lockstore.Store
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	var bindings []realm.Binding
	for _, r := range cfg.Realms {
		bindings = append(bindings, realm.Binding{Prefix: normalizePrefix(r.Prefix), Root: r.Root})
	}
	table := realm.NewTable(bindings, cfg.CaseInsensitive)

	var sets []*realmSet
	handlers := make(map[string]http.Handler, len(cfg.Realms))
	for _, r := range cfg.Realms {
		prefix := normalizePrefix(r.Prefix)
		props := propstore.New(cfg.PropStorePath + "/" + sanitizeRealmName(prefix))
		locks := lockstore.New(cfg.LockStorePath + "/" + sanitizeRealmName(prefix))
		policy := auth.OPAPolicy{Root: r.Root}

		h := &webdav.Handler{
			Prefix:             prefix,
			Realm:              table,
			FileSystem:         auth.AuthorizedFileSystem{Inner: fsresource.Driver{Root: r.Root}, Policy: policy},
			LockSystem:         locks,
			Properties:         props,
			DefaultLockTimeout: cfg.DefaultLockTimeout,
			Logger:             requestLogger,
		}
		controller := &auth.BasicController{}
		handlers[prefix] = auth.Middleware(cfg.AuthRealm, controller, h)
		sets = append(sets, &realmSet{binding: realm.Binding{Prefix: prefix, Root: r.Root}, handler: h, props: props, locks: locks})
	}

	// Dispatch is a single table.Resolve call per request rather than one
	// http.ServeMux subtree per realm, so component D's longest-prefix
	// match, CaseInsensitive option and ".."-traversal rejection are the
	// actual authority deciding which realm (and which backing root) a
	// request reaches -- net/http.ServeMux's own prefix trees are
	// case-sensitive and know nothing of cfg.CaseInsensitive.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions && r.URL.Path == "*" {
			w.Header().Set("DAV", "1, 2")
			w.Header().Set("Allow", "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH, LOCK, UNLOCK")
			w.WriteHeader(http.StatusOK)
			return
		}
		resolved, err := table.Resolve(r.URL.Path)
		if err != nil {
			if err == realm.ErrTraversal {
				http.Error(w, "400 Bad Request", http.StatusBadRequest)
				return
			}
			http.NotFound(w, r)
			return
		}
		handler, ok := handlers[resolved.RealmPrefix]
		if !ok {
			http.NotFound(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("realms", len(sets)).Msg("webdavd: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("webdavd: shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("webdavd: shutdown error")
	}
	for _, s := range sets {
		if err := s.props.Close(); err != nil {
			log.Error().Err(err).Str("realm", s.binding.Prefix).Msg("webdavd: closing property store")
		}
		if err := s.locks.Close(); err != nil {
			log.Error().Err(err).Str("realm", s.binding.Prefix).Msg("webdavd: closing lock store")
		}
	}
	return nil
}

// normalizePrefix applies the same trailing-slash convention
// realm.NewTable uses internally, so a Handler's own Prefix field compares
// equal to the RealmPrefix its Realm table resolves requests to.
func normalizePrefix(prefix string) string {
	if prefix == "" {
		prefix = "/"
	}
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix
}

func sanitizeRealmName(prefix string) string {
	out := []byte(prefix)
	for i, b := range out {
		if b == '/' {
			out[i] = '_'
		}
	}
	return string(out)
}

func requestLogger(r *http.Request, err error) {
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	principal, _ := auth.Principal(r.Context())
	ev.Str("method", r.Method).Str("path", r.URL.Path).Str("principal", principal).Msg("webdavd: request")
}
