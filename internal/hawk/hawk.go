// Package hawk implements the subset of the Hawk HTTP authentication
// scheme used by the Tent protocol: time-boxed signed URLs ("bewits") and
// MAC'd Authorization headers for server-to-server requests.
package hawk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SHA256Algorithm is the only MAC algorithm issued by this server.
const SHA256Algorithm = "sha256"

// DefaultBewitTTL bounds how long a signed URL stays valid.
const DefaultBewitTTL = 86400 * time.Second

// ErrInvalidBewit is returned for any bewit that does not verify:
// malformed, unknown key id, expired, or tampered. Verification fails
// closed; callers must not distinguish the cases.
var ErrInvalidBewit = errors.New("hawk: invalid bewit")

// Credentials identify a symmetric key shared with a client.
type Credentials struct {
	ID        string
	Key       string
	Algorithm string
}

// CredentialsLookup resolves a key id presented by a client. A nil result
// with a nil error means the id is unknown.
type CredentialsLookup func(id string) (*Credentials, error)

// SignOptions control SignURL.
type SignOptions struct {
	TTL    time.Duration // defaults to DefaultBewitTTL
	Method string        // defaults to GET
	Now    time.Time     // defaults to time.Now
}

// SignURL appends a bewit query parameter authorizing a single bounded-time
// request for rawurl. The URL alone, without headers, carries the proof.
func SignURL(creds Credentials, rawurl string, opts SignOptions) (string, error) {
	if creds.Algorithm != "" && creds.Algorithm != SHA256Algorithm {
		return "", fmt.Errorf("hawk: unsupported algorithm %q", creds.Algorithm)
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultBewitTTL
	}
	if opts.Method == "" {
		opts.Method = "GET"
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("hawk: parse url: %w", err)
	}

	// Canonicalize the query before signing so verification, which strips
	// the bewit and re-encodes, computes the MAC over identical bytes.
	q := u.Query()
	u.RawQuery = q.Encode()

	exp := now.Add(opts.TTL).Unix()
	mac := macBewit(creds.Key, opts.Method, u, exp)

	bewit := base64.RawURLEncoding.EncodeToString(
		[]byte(creds.ID + `\` + strconv.FormatInt(exp, 10) + `\` + mac + `\`))

	q.Set("bewit", bewit)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyBewit checks the bewit parameter of rawurl against the credentials
// resolved through lookup. On success it returns the matching credentials.
func VerifyBewit(rawurl string, lookup CredentialsLookup, now time.Time) (*Credentials, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, ErrInvalidBewit
	}

	q := u.Query()
	bewit := q.Get("bewit")
	if bewit == "" {
		return nil, ErrInvalidBewit
	}

	raw, err := base64.RawURLEncoding.DecodeString(bewit)
	if err != nil {
		return nil, ErrInvalidBewit
	}
	parts := strings.Split(string(raw), `\`)
	if len(parts) != 4 {
		return nil, ErrInvalidBewit
	}
	id, expStr, mac := parts[0], parts[1], parts[2]

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || now.Unix() > exp {
		return nil, ErrInvalidBewit
	}

	creds, err := lookup(id)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrInvalidBewit
	}

	// The MAC covers the URL without its bewit parameter.
	q.Del("bewit")
	verifyURL := *u
	verifyURL.RawQuery = q.Encode()

	expected := macBewit(creds.Key, "GET", &verifyURL, exp)
	if !hmac.Equal([]byte(expected), []byte(mac)) {
		return nil, ErrInvalidBewit
	}
	return creds, nil
}

// RequestHeader builds a Hawk Authorization header value authenticating a
// single request with the given credentials.
func RequestHeader(creds Credentials, method, rawurl string, now time.Time) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("hawk: parse url: %w", err)
	}

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	ts := now.Unix()
	mac := macHeader(creds.Key, method, u, ts, nonce)

	return fmt.Sprintf(`Hawk id="%s", ts="%d", nonce="%s", mac="%s"`,
		creds.ID, ts, nonce, mac), nil
}

// VerifyHeader checks a Hawk Authorization header against the credentials
// resolved through lookup. skew bounds how far the timestamp may drift.
func VerifyHeader(header, method, rawurl string, lookup CredentialsLookup, now time.Time, skew time.Duration) (*Credentials, error) {
	fields, ok := parseHeader(header)
	if !ok {
		return nil, ErrInvalidBewit
	}

	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return nil, ErrInvalidBewit
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > skew {
		return nil, ErrInvalidBewit
	}

	creds, err := lookup(fields["id"])
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrInvalidBewit
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, ErrInvalidBewit
	}
	expected := macHeader(creds.Key, method, u, ts, fields["nonce"])
	if !hmac.Equal([]byte(expected), []byte(fields["mac"])) {
		return nil, ErrInvalidBewit
	}
	return creds, nil
}

// macBewit computes the MAC over the canonicalized request: the bewit
// variant pins the method and leaves the nonce empty, with exp as ts.
func macBewit(key, method string, u *url.URL, exp int64) string {
	return computeMAC(key, "bewit", exp, "", method, u)
}

func macHeader(key, method string, u *url.URL, ts int64, nonce string) string {
	return computeMAC(key, "header", ts, nonce, method, u)
}

func computeMAC(key, kind string, ts int64, nonce, method string, u *url.URL) string {
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	normalized := strings.Join([]string{
		"hawk.1." + kind,
		strconv.FormatInt(ts, 10),
		nonce,
		strings.ToUpper(method),
		path,
		u.Hostname(),
		strconv.Itoa(hostPort(u)),
		"", // payload hash, unused
		"", // ext, unused
	}, "\n") + "\n"

	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(normalized))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func hostPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

func newNonce() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("hawk: nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func parseHeader(header string) (map[string]string, bool) {
	rest, ok := strings.CutPrefix(header, "Hawk ")
	if !ok {
		return nil, false
	}
	fields := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, false
		}
		fields[k] = strings.Trim(v, `"`)
	}
	for _, k := range []string{"id", "ts", "nonce", "mac"} {
		if fields[k] == "" {
			return nil, false
		}
	}
	return fields, true
}
