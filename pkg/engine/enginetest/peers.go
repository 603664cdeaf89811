package enginetest

import (
	"bytes"
	"fmt"
)

// Echo is a Responder that sends every write straight back.
func Echo(written []byte) []byte {
	return written
}

// HTTPResponder returns a Responder that answers once a complete request
// header block has been written, with the given status line suffix and
// body, e.g. HTTPResponder("200 OK", "hello").
func HTTPResponder(status, body string) func([]byte) []byte {
	var request []byte
	answered := false
	return func(written []byte) []byte {
		if answered {
			return nil
		}
		request = append(request, written...)
		if !bytes.Contains(request, []byte("\r\n\r\n")) {
			return nil
		}
		answered = true
		return []byte(fmt.Sprintf(
			"HTTP/1.1 %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
			status, len(body), body))
	}
}
