package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "X-Twilio-Signature"

// ComputeSignature returns base64(hmac_sha1(secret, url + k1 + v1 + k2 + v2 ...))
// with form keys sorted lexicographically. Repeated keys contribute every value
// in the order they were posted.
func ComputeSignature(secret, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the expected digest.
func VerifySignature(secret, signature, fullURL string, params url.Values) bool {
	if signature == "" {
		return false
	}
	want := ComputeSignature(secret, fullURL, params)
	// constant-time compare
	return hmac.Equal([]byte(want), []byte(signature))
}

// Verifier checks inbound webhooks against the shared auth token. With either
// the token or the public base URL unset, verification is switched off and
// every request passes.
type Verifier struct {
	AuthToken     string
	PublicBaseURL string
}

func NewVerifier(authToken, publicBaseURL string) Verifier {
	return Verifier{AuthToken: authToken, PublicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (v Verifier) Enabled() bool {
	return v.AuthToken != "" && v.PublicBaseURL != ""
}

// FullURL rebuilds the URL the provider signed: the public base URL plus the
// request path and query as received.
func (v Verifier) FullURL(r *http.Request) string {
	return v.PublicBaseURL + r.URL.RequestURI()
}

// Verify expects r.PostForm to be parsed already.
func (v Verifier) Verify(r *http.Request) bool {
	if !v.Enabled() {
		return true
	}
	return VerifySignature(v.AuthToken, r.Header.Get(SignatureHeader), v.FullURL(r), r.PostForm)
}

// Sign sets the signature header on an outgoing request, for clients that
// impersonate the provider (tests and the simulator).
func (v Verifier) Sign(r *http.Request, params url.Values) {
	r.Header.Set(SignatureHeader, ComputeSignature(v.AuthToken, v.PublicBaseURL+r.URL.RequestURI(), params))
}
