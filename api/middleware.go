package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vocdoni/ballot-integrity/auth"
	"github.com/vocdoni/ballot-integrity/log"
	"github.com/vocdoni/ballot-integrity/util"
)

// bearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on websocket upgrades, so the stream endpoint also
// accepts it as a query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.URL.Path == StreamEndpoint {
		return r.URL.Query().Get(TokenParam)
	}
	return ""
}

// authenticate resolves the principal of the request and stores it in the
// request context. Failed attempts are rate limited per client address.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		p, err := a.signer.Authenticate(token)
		if err != nil {
			ip := util.ClientIP(r)
			if ok, retry := a.limiter.Allow("auth:" + ip); !ok {
				log.Warnw("too many failed authentications", "ip", ip)
				writeTooManyRequests(w, retry)
				return
			}
			if errors.Is(err, auth.ErrExpiredToken) {
				ErrUnauthorized.With("token expired").Write(w)
				return
			}
			ErrUnauthorized.Write(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// writeTooManyRequests answers 429 with a Retry-After header in seconds.
func writeTooManyRequests(w http.ResponseWriter, retry time.Duration) {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	ErrTooManyRequests.Write(w)
}
