// Package bridge implements the Bridge Transport (spec.md §4.1) and its
// typed REST surface (spec.md §6): signed/authenticated JSON requests to
// the bridge directory service. There is no teacher analog for an
// HTTP-JSON client in Sia (hosts speak a binary wire protocol), so the
// request/response shape follows spec.md directly; the error-wrapping
// and logging idiom still follows the teacher's errors.AddContext/Logger
// convention.
package bridge

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"

	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/shardmeta"
)

// Response is the decoded JSON body of a successful bridge request.
type Response struct {
	raw []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.raw) == 0 {
		return nil
	}
	return json.Unmarshal(r.raw, v)
}

// Bytes returns the raw decoded response body.
func (r *Response) Bytes() []byte {
	return r.raw
}

// Transport issues signed/authenticated JSON requests to the bridge and
// decodes the body, or returns a typed error (spec.md §4.1).
type Transport struct {
	baseURI string
	http    *http.Client
	logger  config.Logger

	keypair   *config.Keypair
	basicAuth *config.BasicAuth
}

// NewTransport builds a Transport from cfg. cfg must already have been
// normalized (config.Config.Normalize).
func NewTransport(cfg config.Config) (*Transport, error) {
	if cfg.Keypair == nil && cfg.BasicAuth == nil {
		return nil, errors.New("transport requires a keypair or basicauth")
	}
	return &Transport{
		baseURI:   strings.TrimRight(cfg.BaseURI, "/"),
		http:      &http.Client{},
		logger:    cfg.Logger,
		keypair:   cfg.Keypair,
		basicAuth: cfg.BasicAuth,
	}, nil
}

// nonce returns a fresh random 128-bit value, hex encoded (spec.md §4.1).
func nonce() string {
	return hex.EncodeToString(fastrand.Bytes(16))
}

// encodeQuery deterministically encodes params as a URL query string,
// sorted by key so the signature payload is reproducible.
func encodeQuery(params map[string]interface{}) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, fmt.Sprintf("%v", v))
	}
	return values.Encode()
}

// isQueryMethod reports whether method encodes params as a query string
// (GET/DELETE) rather than a JSON body (spec.md §4.1 encoding rule).
func isQueryMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodDelete
}

// Request issues one bridge call and returns the decoded body, or a
// BridgeError/TransportError-class error (spec.md §4.1). ctx governs
// cancellation: an aborted request discards the in-flight response and
// the caller's retry budget (if any) must be handled by the caller, since
// Transport itself performs no retries (spec.md §4.1 "Cancellation").
func (t *Transport) Request(ctx context.Context, method, path string, params map[string]interface{}) (*Response, error) {
	return t.requestWithHeader(ctx, method, path, params, "", "")
}

// requestWithHeader is Request plus a single extra header, used for the
// x-token header GetFilePointers needs (spec.md §6); the header is never
// part of the signature payload.
func (t *Transport) requestWithHeader(ctx context.Context, method, path string, params map[string]interface{}, headerKey, headerValue string) (*Response, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["__nonce"] = nonce()

	var body []byte
	var query string
	var err error
	if isQueryMethod(method) {
		query = encodeQuery(params)
	} else {
		body, err = json.Marshal(params)
		if err != nil {
			return nil, errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "unable to encode request body"))
		}
	}

	reqURL := t.baseURI + path
	if query != "" {
		reqURL += "?" + query
	}
	t.logger.Debugln("bridge request", method, path, sortedKeys(params))

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "unable to build request"))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if headerKey != "" {
		req.Header.Set(headerKey, headerValue)
	}

	payload := query
	if !isQueryMethod(method) {
		payload = string(body)
	}
	if err := t.authenticate(req, method, path, payload); err != nil {
		return nil, errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "unable to authenticate request"))
	}

	resp, err := t.http.Do(req)
	if err != nil {
		t.logger.Debugln("bridge transport error:", err)
		return nil, errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "bridge transport failure"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "unable to read response body"))
	}

	if resp.StatusCode >= 400 {
		msg := string(raw)
		var decoded struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		return nil, &shardmeta.BridgeError{Status: resp.StatusCode, Message: msg}
	}

	return &Response{raw: raw}, nil
}

// authenticate attaches either keypair signature headers or basic-auth
// credentials, in that precedence (spec.md §4.1).
func (t *Transport) authenticate(req *http.Request, method, path, payload string) error {
	switch {
	case t.keypair != nil:
		key := decodeHexKey(t.keypair.PrivateKey)
		if len(key) != ed25519.PrivateKeySize {
			return errors.New("keypair private key is not a hex-encoded ed25519 private key")
		}
		sigPayload := method + "\n" + path + "\n" + payload
		sig := ed25519.Sign(key, []byte(sigPayload))
		req.Header.Set("x-pubkey", t.keypair.PublicKey)
		req.Header.Set("x-signature", hex.EncodeToString(sig))
		return nil
	case t.basicAuth != nil:
		req.SetBasicAuth(t.basicAuth.Email, shaHex(t.basicAuth.Password))
		return nil
	default:
		return errors.New("no authentication method configured")
	}
}

// shaHex returns hex(SHA-256(s)), used for both client-side password
// hashing (spec.md §4.1) and basic-auth credential hashing.
func shaHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func decodeHexKey(s string) ed25519.PrivateKey {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return ed25519.PrivateKey(b)
}

// sortedKeys is a small helper kept for callers that need deterministic
// iteration over a params map (e.g. logging), matching encodeQuery's own
// determinism.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
