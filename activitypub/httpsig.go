package activitypub

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/anancus/util"
)

// MaxClockSkew is the tolerated distance between the Date header and local
// time. Outside of it, verification hard-fails in strict mode and logs a
// warning otherwise.
const MaxClockSkew = 5 * time.Minute

// SignRequest signs an outgoing HTTP request with the given private key
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	// Create signer with required headers
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Sign the request
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// SignedHeaders builds the Date, Digest and Signature headers for a request
// without sending it. The digest is only computed when a body is present.
func SignedHeaders(method, rawURL string, body []byte, privateKey *rsa.PrivateKey, keyId string) (map[string]string, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	headerList := []string{"(request-target)", "host", "date"}
	if len(body) > 0 {
		req.Header.Set("Digest", util.Digest(body))
		headerList = append(headerList, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headerList,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	if err := signer.SignRequest(privateKey, keyId, req, body); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	headers := map[string]string{
		"Date":      req.Header.Get("Date"),
		"Signature": req.Header.Get("Signature"),
	}
	if digest := req.Header.Get("Digest"); digest != "" {
		headers["Digest"] = digest
	}

	return headers, nil
}

// sigParams are the parsed fields of a Signature header.
type sigParams struct {
	KeyId     string
	Algorithm string
	Headers   []string
	Signature string
}

// parseSignatureHeader splits a Signature header of the form
// keyId="...",algorithm="...",headers="...",signature="..." into its fields.
func parseSignatureHeader(value string) (*sigParams, error) {
	if value == "" {
		return nil, fmt.Errorf("missing Signature header")
	}

	params := &sigParams{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		eq := strings.Index(part, "=")
		if eq < 0 {
			continue
		}
		key := part[:eq]
		val := strings.Trim(part[eq+1:], `"`)

		switch key {
		case "keyId":
			params.KeyId = val
		case "algorithm":
			params.Algorithm = val
		case "headers":
			for _, h := range strings.Fields(val) {
				params.Headers = append(params.Headers, strings.ToLower(h))
			}
		case "signature":
			params.Signature = val
		}
	}

	if params.KeyId == "" || params.Signature == "" {
		return nil, fmt.Errorf("malformed Signature header")
	}

	return params, nil
}

// supportedAlgorithm reports whether the declared signature algorithm can be
// verified. Peers commonly send rsa-sha256 or the opaque hs2019 label; an
// empty field defaults to rsa-sha256.
func supportedAlgorithm(algorithm string) bool {
	switch algorithm {
	case "", "rsa-sha256", "hs2019":
		return true
	}
	return false
}

// VerifyResult reports a successful verification.
type VerifyResult struct {
	KeyId         string
	SignedHeaders []string
}

// VerifyRequest verifies the HTTP signature on an incoming request against
// the given public key. The signed header list must cover at least
// (request-target), host and date; a signature over unrelated headers only
// is rejected. The signing string is reconstructed from the actual request
// metadata by the httpsig verifier.
func VerifyRequest(req *http.Request, publicKeyPem string) (*VerifyResult, error) {
	params, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return nil, err
	}

	if !supportedAlgorithm(params.Algorithm) {
		return nil, fmt.Errorf("unsupported signature algorithm: %s", params.Algorithm)
	}

	for _, required := range []string{"(request-target)", "host", "date"} {
		if !containsHeader(params.Headers, required) {
			return nil, fmt.Errorf("signature does not cover required header %q", required)
		}
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return nil, err
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	return &VerifyResult{KeyId: params.KeyId, SignedHeaders: params.Headers}, nil
}

// VerifyRequestStrict verifies the signature and additionally checks the
// Date header against the local clock and the Digest header against a fresh
// hash of the body. A digest mismatch always hard-fails; clock skew only
// hard-fails in strict mode.
func VerifyRequestStrict(req *http.Request, body []byte, publicKeyPem string, strict bool) (*VerifyResult, error) {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		if strict {
			return nil, fmt.Errorf("missing Date header")
		}
		log.Printf("HttpSig: Warning: missing Date header from %s", req.RemoteAddr)
	} else {
		sent, err := http.ParseTime(dateHeader)
		if err != nil {
			return nil, fmt.Errorf("invalid Date header: %w", err)
		}
		skew := time.Since(sent)
		if skew < 0 {
			skew = -skew
		}
		if skew > MaxClockSkew {
			if strict {
				return nil, fmt.Errorf("request Date outside allowed clock skew (%s)", skew.Round(time.Second))
			}
			log.Printf("HttpSig: Warning: clock skew of %s on request from %s", skew.Round(time.Second), req.RemoteAddr)
		}
	}

	digestHeader := req.Header.Get("Digest")
	if digestHeader != "" {
		if digestHeader != util.Digest(body) {
			// Tampering, never downgraded to a warning
			return nil, fmt.Errorf("digest mismatch")
		}
	} else if len(body) > 0 {
		// Some peers omit the Digest header entirely
		log.Printf("HttpSig: Warning: request with body but no Digest header from %s", req.RemoteAddr)
	}

	return VerifyRequest(req, publicKeyPem)
}

func containsHeader(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Both PKIX blocks
// (what Mastodon publishes) and PKCS#1 blocks (what our keygen emits) are
// accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	return rsaPubKey, nil
}
