package directory

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"heron/internal/crypto"
	"heron/internal/domain"
)

const maxRecordSize = 4 << 10

// NewServer returns the directory service handler:
//
//	POST   /identity         publish {user, public, signature}, returns {user, token}
//	GET    /identity/{user}  fetch {user, public, fingerprint}
//	DELETE /identity/{user}  withdraw, with "Authorization: Bearer <token>"
//
// A published key must carry a valid self-signature. Re-publishing the same
// key is accepted and issues a fresh token, invalidating the previous one;
// a different key for a known user is refused with 409.
func NewServer(keys Registry, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /identity", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var rec record
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordSize)).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pub, err := domain.ParseEd25519Public(rec.Public)
		if err != nil || rec.User == "" {
			http.Error(w, "user and 32-byte public key required", http.StatusBadRequest)
			return
		}
		user := domain.UserID(rec.User)
		if !crypto.VerifyEd25519(pub, publishMessage(user, pub), rec.Signature) {
			log.Warn("security event",
				zap.String("kind", domain.SecurityEventKind(domain.ErrSignatureInvalid)),
				zap.String("user", rec.User))
			http.Error(w, "bad signature", http.StatusForbidden)
			return
		}
		if err := keys.Trust(r.Context(), user, pub); err != nil {
			if errors.Is(err, domain.ErrIdentityMismatch) {
				http.Error(w, "user already registered with another key", http.StatusConflict)
				return
			}
			log.Error("publish failed", zap.String("user", rec.User), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		token, err := newToken()
		if err == nil {
			err = keys.SetToken(r.Context(), user, DigestToken(token))
		}
		if err != nil {
			log.Error("token issue failed", zap.String("user", rec.User), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		log.Info("identity published",
			zap.String("user", rec.User),
			zap.String("fingerprint", string(crypto.Fingerprint(pub[:]))))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record{User: rec.User, Public: pub[:], Token: token})
	})

	mux.HandleFunc("DELETE /identity/{user}", func(w http.ResponseWriter, r *http.Request) {
		user := domain.UserID(r.PathValue("user"))
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		err := keys.Withdraw(r.Context(), user, DigestToken(token))
		switch {
		case errors.Is(err, domain.ErrUnknownIdentity):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrTokenRejected):
			log.Warn("unregister refused", zap.String("user", string(user)))
			http.Error(w, "token rejected", http.StatusUnauthorized)
		case err != nil:
			log.Error("unregister failed", zap.String("user", string(user)), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		default:
			log.Info("identity withdrawn", zap.String("user", string(user)))
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("GET /identity/{user}", func(w http.ResponseWriter, r *http.Request) {
		user := domain.UserID(r.PathValue("user"))
		pub, err := keys.LookupIdentity(r.Context(), user)
		if errors.Is(err, domain.ErrUnknownIdentity) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("lookup failed", zap.String("user", string(user)), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record{
			User:        string(user),
			Public:      pub[:],
			Fingerprint: string(crypto.Fingerprint(pub[:])),
		})
	})

	return mux
}
