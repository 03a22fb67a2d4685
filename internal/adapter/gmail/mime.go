package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// buildRFC2822 assembles the minimal RFC 2822 message Gmail's
// messages.send endpoint expects, base64url-encoded per the API's "raw"
// field contract.
func buildRFC2822(to, subject, body string) string {
	msg := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s", to, subject, body)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(msg))
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func nowUnix() int64 {
	return time.Now().Unix()
}
