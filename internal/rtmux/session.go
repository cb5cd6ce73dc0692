package rtmux

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MintToken generates a normative-duplex session token of the form
// RTWS.<name>[<time>,<nonce>]. name is the minting endpoint's own name, never
// the peer's — the peer echoes the token verbatim in its response.
func MintToken(name string) string {
	return fmt.Sprintf("RTWS.%s[%s,%s]", name, formatSeconds(time.Now()), nonceHex(8))
}

// MintLegacyToken generates a polled-variant session token of the form
// Name:<name>,Time:<time>,Nonce:<nonce>, matching the legacy wire format.
func MintLegacyToken(name string) string {
	return fmt.Sprintf("Name:%s,Time:%s,Nonce:%s", name, formatSeconds(time.Now()), nonceHex(5))
}

// EndpointName extracts the minting endpoint's name from a session token,
// in either the normative (RTWS.<name>[...]) or legacy (Name:<name>,...)
// format. It is the fallback disambiguation path used when a packet omits
// its type field: a response's token names the original requester, so a
// token whose name equals our own indicates we are looking at our own
// response rather than an incoming request.
func EndpointName(token string) (string, bool) {
	if rest, ok := strings.CutPrefix(token, "RTWS."); ok {
		if i := strings.IndexByte(rest, '['); i >= 0 {
			return rest[:i], true
		}
		return "", false
	}
	if rest, ok := strings.CutPrefix(token, "Name:"); ok {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			return rest[:i], true
		}
	}
	return "", false
}

func nonceHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("rtmux: failed to read random nonce: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func formatSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}
