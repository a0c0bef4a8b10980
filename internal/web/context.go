package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/catalogimport/internal/core"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/web/middleware"
)

const maxJSONBody = 1 << 20

// sessionRequest returns the {id} path value and a context carrying the
// session id for logs and the client address for audit entries.
func sessionRequest(r *http.Request) (string, context.Context) {
	id := chi.URLParam(r, "id")
	ctx := logging.ContextWithSession(r.Context(), id)
	return id, withClient(ctx, r)
}

func withClient(ctx context.Context, r *http.Request) context.Context {
	return core.ContextWithClient(ctx, middleware.ClientIP(r), r.UserAgent())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidRequest("empty body")
		}
		return invalidRequest("decode body: %v", err)
	}
	return nil
}
