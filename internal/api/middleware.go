package api

import (
	"fmt"
	"net/http"

	"github.com/npezzotti/studyhub-realtime/internal/auth"
	"github.com/npezzotti/studyhub-realtime/internal/types"
)

func (s *GatewayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error().Err(panicError).Str("path", r.URL.Path).Msg("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests without a valid session credential before
// the handler runs, so an unauthenticated socket is never upgraded.
func (s *GatewayApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, err := auth.ExtractCredential(r, s.cookieNames)
		if err != nil {
			s.log.Debug().Err(err).Msg("no usable credential")
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		uid, err := s.verifier.Verify(cred.Token)
		if err != nil {
			s.log.Info().Err(err).Str("source", string(cred.Source)).Msg("failed to verify token")
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithIdentity(r.Context(), types.Identity{UID: uid, Credential: cred})
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
