package valr

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RequestSigner signs requests with the VALR HMAC scheme: the SHA-512 HMAC of
// timestamp + verb + path (including query) + body, keyed by the API secret.
type RequestSigner struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewRequestSigner creates a signer for the given credentials
func NewRequestSigner(apiKey, apiSecret string) *RequestSigner {
	return &RequestSigner{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		now:       time.Now,
	}
}

// SignRequest adds the VALR authentication headers to the request
func (s *RequestSigner) SignRequest(req *http.Request, body []byte) error {
	if s.apiKey == "" || s.apiSecret == "" {
		return fmt.Errorf("missing API credentials")
	}

	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	signature := s.sign(timestamp, req.Method, req.URL.RequestURI(), body)

	req.Header.Set("X-VALR-API-KEY", s.apiKey)
	req.Header.Set("X-VALR-SIGNATURE", signature)
	req.Header.Set("X-VALR-TIMESTAMP", timestamp)
	return nil
}

// WebsocketHeaders builds the authentication headers for a websocket
// handshake. VALR signs the socket path as a GET with an empty body.
func (s *RequestSigner) WebsocketHeaders(path string) (http.Header, error) {
	if s.apiKey == "" || s.apiSecret == "" {
		return nil, fmt.Errorf("missing API credentials")
	}

	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	headers := http.Header{}
	headers.Set("X-VALR-API-KEY", s.apiKey)
	headers.Set("X-VALR-SIGNATURE", s.sign(timestamp, http.MethodGet, path, nil))
	headers.Set("X-VALR-TIMESTAMP", timestamp)
	return headers, nil
}

func (s *RequestSigner) sign(timestamp, verb, path string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(verb))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
