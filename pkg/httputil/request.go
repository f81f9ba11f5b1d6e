package httputil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
)

// Actor headers. Authentication happens upstream; the gateway forwards the
// resolved identity in these headers.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderSessionID  = "X-Session-ID"
	HeaderDeviceInfo = "X-Device-Info"
)

// ParseJSON decodes JSON from the request body into the destination.
// Unknown fields are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errdefs.ErrValidation, err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteError(w, err)
		return false
	}
	return true
}

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, fmt.Errorf("%w: missing path parameter: %s", errdefs.ErrValidation, key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer for %s: %s", errdefs.ErrValidation, key, str)
	}
	return val, nil
}

// ParsePathInt64OrError extracts an int64 path parameter and writes error on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteError(w, err)
		return 0, false
	}
	return val, true
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer for query param %s: %s", errdefs.ErrValidation, key, str)
	}
	return val, nil
}

// ParseQueryBool extracts and parses a boolean query parameter
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("%w: invalid boolean for query param %s: %s", errdefs.ErrValidation, key, str)
	}
	return val, nil
}

// ParseQueryTime parses an RFC 3339 query parameter. An absent parameter
// yields the zero time.
func ParseQueryTime(r *http.Request, key string) (time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return time.Time{}, nil
	}
	val, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid RFC 3339 time for query param %s: %s", errdefs.ErrValidation, key, str)
	}
	return val, nil
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ActorFromRequest builds the audit actor for r. A malformed X-Actor-ID is
// a validation error; an absent one leaves the actor anonymous.
func ActorFromRequest(r *http.Request) (ledger.Actor, error) {
	actor := ledger.Actor{
		SourceIP:   ClientIP(r),
		DeviceInfo: r.Header.Get(HeaderDeviceInfo),
		SessionID:  r.Header.Get(HeaderSessionID),
	}
	if raw := strings.TrimSpace(r.Header.Get(HeaderActorID)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ledger.Actor{}, fmt.Errorf("%w: invalid %s header: %s", errdefs.ErrValidation, HeaderActorID, raw)
		}
		actor.ID = &id
	}
	if actor.DeviceInfo == "" {
		actor.DeviceInfo = r.UserAgent()
	}
	return actor, nil
}
