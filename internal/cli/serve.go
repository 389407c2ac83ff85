package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/NlDbQuery/internal/remote"
	"github.com/JonMunkholm/NlDbQuery/internal/schema"
	"github.com/JonMunkholm/NlDbQuery/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr       string
		withRemote bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve SQL generation over HTTP",
		Long: `serve exposes the session over HTTP. With --remote it logs in over SSH first
and POST /ask also runs the generated query.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr != "" {
				a.cfg.Serve.Addr = addr
			}

			opts, err := a.sessionOptions()
			if err != nil {
				return err
			}
			if withRemote {
				a.ui.println("Enter your ilab credentials:")
				user, password, err := a.credentials(ctx)
				if err != nil {
					return err
				}
				ch, err := a.connect(ctx, user, password)
				if err != nil {
					return errExit
				}
				opts.Remote = remote.NewClient(ch, a.cfg.Invocation(), a.cfg.Remote.Timeout, a.log)
			}

			p, err := a.loadProvider(ctx, a.ui)
			if err != nil {
				if opts.Remote != nil {
					a.closeQuietly(opts.Remote)
				}
				return errExit
			}
			opts.Provider = p
			sess := session.New(opts)
			defer func() {
				if err := sess.Close(); err != nil {
					a.log.Warn("release session", "error", err)
				}
			}()

			ln, err := net.Listen("tcp", a.cfg.Serve.Addr)
			if err != nil {
				return err
			}
			a.ui.success("Listening on " + ln.Addr().String())
			return serveHTTP(ctx, ln, newRouter(sess, a.log), a.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default $SERVE_ADDR or :8080)")
	cmd.Flags().BoolVar(&withRemote, "remote", false, "Log in over SSH so /ask can run queries")
	return cmd
}

// serveHTTP serves h on ln until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler, log *slog.Logger) error {
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("shutting down http server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return err
	}
	return nil
}

// api serializes requests over one session; the SSH channel and the model each
// handle one request at a time.
type api struct {
	mu   sync.Mutex
	sess *session.Session
	log  *slog.Logger
}

func newRouter(sess *session.Session, log *slog.Logger) http.Handler {
	h := &api{sess: sess, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Post("/generate-sql", h.handleGenerateSQL)
	r.Post("/ask", h.handleAsk)
	r.Get("/schema", h.handleSchema)
	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.InfoContext(r.Context(), "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("duration", time.Since(start).String()),
			)
		})
	}
}

type questionRequest struct {
	Question string `json:"question"`
}

type generateSQLResponse struct {
	SQL   string `json:"sql,omitempty"`
	Error string `json:"error,omitempty"`
}

type askResponse struct {
	SQL    string `json:"sql,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type schemaResponse struct {
	Tables     []schema.Table `json:"tables"`
	TableCount int            `json:"tableCount"`
	Mode       string         `json:"mode"`
}

func decodeQuestion(r *http.Request) (string, string) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "invalid JSON body"
	}
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return "", "question is required"
	}
	return q, ""
}

func (h *api) handleGenerateSQL(w http.ResponseWriter, r *http.Request) {
	q, msg := decodeQuestion(r)
	if msg != "" {
		respondJSON(w, http.StatusBadRequest, generateSQLResponse{Error: msg})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	respondJSON(w, http.StatusOK, generateSQLResponse{SQL: h.sess.Generate(r.Context(), q)})
}

func (h *api) handleAsk(w http.ResponseWriter, r *http.Request) {
	q, msg := decodeQuestion(r)
	if msg != "" {
		respondJSON(w, http.StatusBadRequest, askResponse{Error: msg})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ans, err := h.sess.Ask(r.Context(), q)
	if errors.Is(err, session.ErrNoRemote) {
		respondJSON(w, http.StatusServiceUnavailable, askResponse{
			Error: "No remote connection. Start the server with --remote.",
		})
		return
	}
	if err != nil {
		h.log.Error("ask failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, askResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, askResponse{SQL: ans.SQL, Output: ans.Output})
}

// handleSchema returns the digest, or only the table named by ?table=.
func (h *api) handleSchema(w http.ResponseWriter, r *http.Request) {
	d := h.sess.Digest()
	tables := d.Tables
	if name := strings.TrimSpace(r.URL.Query().Get("table")); name != "" {
		t, ok := d.Table(name)
		if !ok {
			respondJSON(w, http.StatusNotFound, errorResponse{Error: "unknown table: " + name})
			return
		}
		tables = []schema.Table{t}
	}
	if tables == nil {
		tables = []schema.Table{}
	}
	respondJSON(w, http.StatusOK, schemaResponse{
		Tables:     tables,
		TableCount: d.TableCount(),
		Mode:       h.sess.SchemaMode(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
