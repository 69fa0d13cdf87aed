package objstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	signingAlgorithm = "AWS4-HMAC-SHA256"
	signingService   = "s3"
	scopeTerminator  = "aws4_request"
	keyPrefix        = "AWS4"

	// TimeFormat is shared by the canonical request and the string-to-sign.
	TimeFormat = "20060102T150405Z"
	dateFormat = "20060102"

	headerContentSHA = "x-amz-content-sha256"
	headerDate       = "x-amz-date"
)

// signedHeaders lists the headers covered by the signature, sorted and lower-cased.
var signedHeaders = []string{"host", headerContentSHA, headerDate}

// Credentials identify the signer against the storage service.
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
}

// SigningInput is everything the signature depends on. Sign is a pure
// function of it.
type SigningInput struct {
	Method      string
	Path        string // unencoded "/<bucket>/<key>"
	Host        string
	Payload     []byte
	Credentials Credentials
	Time        time.Time
}

// Signature is the result of signing one request.
type Signature struct {
	PayloadHash      string
	Timestamp        string
	CanonicalPath    string
	CanonicalRequest string
	CredentialScope  string
	StringToSign     string
	Signature        string
	Authorization    string
}

// Headers returns the headers that must accompany the signed request.
func (s Signature) Headers() map[string]string {
	return map[string]string{
		"Authorization":        s.Authorization,
		"X-Amz-Content-Sha256": s.PayloadHash,
		"X-Amz-Date":           s.Timestamp,
	}
}

// Sign computes an AWS Signature Version 4 for an S3-compatible request.
func Sign(in SigningInput) Signature {
	ts := in.Time.UTC()
	timestamp := ts.Format(TimeFormat)
	date := ts.Format(dateFormat)

	payloadHash := hashHex(in.Payload)
	canonicalPath := EncodePath(in.Path)

	var headers strings.Builder
	headers.WriteString("host:" + strings.TrimSpace(in.Host) + "\n")
	headers.WriteString(headerContentSHA + ":" + payloadHash + "\n")
	headers.WriteString(headerDate + ":" + timestamp + "\n")

	signedList := strings.Join(signedHeaders, ";")
	canonicalRequest := strings.Join([]string{
		strings.ToUpper(in.Method),
		canonicalPath,
		"", // no query string
		headers.String(),
		signedList,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{date, in.Credentials.Region, signingService, scopeTerminator}, "/")
	stringToSign := strings.Join([]string{
		signingAlgorithm,
		timestamp,
		scope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	key := deriveSigningKey(in.Credentials.SecretKey, date, in.Credentials.Region)
	sig := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return Signature{
		PayloadHash:      payloadHash,
		Timestamp:        timestamp,
		CanonicalPath:    canonicalPath,
		CanonicalRequest: canonicalRequest,
		CredentialScope:  scope,
		StringToSign:     stringToSign,
		Signature:        sig,
		Authorization: fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
			signingAlgorithm, in.Credentials.AccessKey, scope, signedList, sig),
	}
}

// deriveSigningKey chains date -> region -> service -> terminator.
func deriveSigningKey(secret, date, region string) []byte {
	k := hmacSHA256([]byte(keyPrefix+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, signingService)
	return hmacSHA256(k, scopeTerminator)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EncodePath collapses redundant slashes and URI-encodes every segment,
// leaving only RFC 3986 unreserved characters and '/' as-is.
func EncodePath(p string) string {
	p = CollapseSlashes("/" + p)
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' || isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// CollapseSlashes replaces runs of '/' with a single slash.
func CollapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(p[i])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
