package valr

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRequestComposesPayload(t *testing.T) {
	signer := NewRequestSigner("my-key", "my-secret")
	fixed := time.UnixMilli(1620000000000)
	signer.now = func() time.Time { return fixed }

	body := []byte(`{"pair":"BTCZAR"}`)
	req, err := http.NewRequest(http.MethodPost, "https://api.valr.com/v1/orders/limit", strings.NewReader(string(body)))
	require.NoError(t, err)

	require.NoError(t, signer.SignRequest(req, body))

	assert.Equal(t, "my-key", req.Header.Get("X-VALR-API-KEY"))
	assert.Equal(t, "1620000000000", req.Header.Get("X-VALR-TIMESTAMP"))

	mac := hmac.New(sha512.New, []byte("my-secret"))
	mac.Write([]byte("1620000000000POST/v1/orders/limit"))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-VALR-SIGNATURE"))
}

func TestSignRequestIncludesQueryString(t *testing.T) {
	signer := NewRequestSigner("k", "s")
	fixed := time.UnixMilli(1700000000000)
	signer.now = func() time.Time { return fixed }

	req, err := http.NewRequest(http.MethodGet, "https://api.valr.com/v1/public/BTCZAR/markprice/buckets?limit=20&periodSeconds=3600", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req, nil))

	mac := hmac.New(sha512.New, []byte("s"))
	mac.Write([]byte("1700000000000GET/v1/public/BTCZAR/markprice/buckets?limit=20&periodSeconds=3600"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-VALR-SIGNATURE"))
}

func TestWebsocketHeadersSignSocketPath(t *testing.T) {
	signer := NewRequestSigner("my-key", "my-secret")
	fixed := time.UnixMilli(1700000000000)
	signer.now = func() time.Time { return fixed }

	headers, err := signer.WebsocketHeaders("/ws/trade")
	require.NoError(t, err)

	assert.Equal(t, "my-key", headers.Get("X-VALR-API-KEY"))
	assert.Equal(t, "1700000000000", headers.Get("X-VALR-TIMESTAMP"))

	mac := hmac.New(sha512.New, []byte("my-secret"))
	mac.Write([]byte("1700000000000GET/ws/trade"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), headers.Get("X-VALR-SIGNATURE"))

	_, err = NewRequestSigner("", "").WebsocketHeaders("/ws/trade")
	assert.Error(t, err)
}

func TestSignRequestRejectsMissingCredentials(t *testing.T) {
	signer := NewRequestSigner("", "")
	req, err := http.NewRequest(http.MethodGet, "https://api.valr.com/v1/account/balances", nil)
	require.NoError(t, err)
	assert.Error(t, signer.SignRequest(req, nil))
}
