package dualauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// now is replaced in tests.
var now = time.Now

// SendJSON will write a json response
// You don't need to use this but it's handy to have!
func SendJSON(w http.ResponseWriter, thing interface{}) {
	sendJSONStatus(w, http.StatusOK, thing)
}

func sendJSONStatus(w http.ResponseWriter, status int, thing interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(thing)
}

type errorBody struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
}

// SendError writes err as a JSON body and as the Status header. Only the
// user-facing message is written; details of the cause stay in the log.
func SendError(w http.ResponseWriter, err error) {
	e := AsError(err)
	w.Header().Set("Status", e.UserMessage())
	sendJSONStatus(w, e.StatusCode(), errorBody{Error: e.Kind, Message: e.UserMessage()})
}

// CORS wraps an HTTP request handler, adding appropriate cors headers for
// the allowed origins. An empty list allows no cross-origin callers.
func CORS(allowed []string, fn http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers",
				"Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Popup-Secret")
			w.Header().Set("Access-Control-Expose-Headers", "Status, Content-Type, Content-Length")
		}
		// Stop here if its Preflighted OPTIONS request
		if r.Method == http.MethodOptions {
			return
		}

		fn.ServeHTTP(w, r)
	}
}

// RecoverErrors will wrap an HTTP handler. When a panic occurs, it logs the
// stack and returns an internal server error to the client.
func RecoverErrors(logger zerolog.Logger, fn http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if thing := recover(); thing != nil {
				if thing == http.ErrAbortHandler {
					panic(thing)
				}
				logger.Error().
					Str("path", r.URL.Path).
					Str("panic", fmt.Sprintf("%v", thing)).
					Bytes("stack", debug.Stack()).
					Msg("recovered from panic")
				SendError(w, newError(KindInternal, fmt.Errorf("%v", thing)))
			}
		}()

		fn.ServeHTTP(w, r)
	}
}

// IsRequestSecure returns true if the request used the HTTPS protocol.
// It also checks for appropriate Forwarding headers.
func IsRequestSecure(r *http.Request) bool {
	return r.TLS != nil ||
		strings.ToLower(r.URL.Scheme) == "https" ||
		strings.ToLower(r.Header.Get("X-Forwarded-Proto")) == "https" ||
		strings.Contains(r.Header.Get("Forwarded"), "proto=https")
}

// GetIPAddress returns the client address. X-Forwarded-For is honoured only
// when the connection comes from one of trustedProxies (IPs or CIDRs); the
// client is then the right-most hop that is not itself a trusted proxy.
func GetIPAddress(r *http.Request, trustedProxies []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !ipTrusted(trustedProxies, host) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !ipTrusted(trustedProxies, hop) {
			return hop
		}
		host = hop
	}
	return host
}

func ipTrusted(trusted []string, addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, t := range trusted {
		if _, network, err := net.ParseCIDR(t); err == nil {
			if network.Contains(ip) {
				return true
			}
		} else if other := net.ParseIP(t); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// generateRandomString returns 32 bytes from crypto/rand, base64url encoded.
func generateRandomString() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// secretsEqual compares two secrets in constant time.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// originOf returns scheme://host of rawURL, or "" if it is not absolute.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func originAllowed(allowed []string, origin string) bool {
	origin = strings.ToLower(strings.TrimRight(origin, "/"))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimRight(a, "/")) == origin {
			return true
		}
	}
	return false
}

// HashPassword computes the salted, hashed password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareHashedPassword compares the hashed password with the one the user entered (unhashed).
// It returns no error if the passwords match.
func CompareHashedPassword(hashedPassword, candidatePassword string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(candidatePassword))
}
