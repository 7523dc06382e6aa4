package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgrade reports whether the request headers ask for a WebSocket upgrade.
func IsUpgrade(header http.Header) bool {
	return headerHasToken(header, "Connection", "upgrade") &&
		strings.EqualFold(strings.TrimSpace(header.Get("Upgrade")), "websocket")
}

// Version returns the requested protocol version, 0 if absent or malformed.
func Version(header http.Header) int {
	v, err := strconv.Atoi(strings.TrimSpace(header.Get("Sec-WebSocket-Version")))
	if err != nil {
		return 0
	}
	return v
}

// UpgradeHeader returns the headers of the 101 response.
func UpgradeHeader(key string) http.Header {
	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", AcceptKey(key))
	return h
}

func headerHasToken(header http.Header, name, token string) bool {
	for _, v := range header.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
