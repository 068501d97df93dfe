package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// writeResponse renders status/header/body as a non-chunked HTTP
// response directly to w. The body is already fully decoded, so
// Content-Length is set from len(body) and any Transfer-Encoding is
// stripped.
func writeResponse(w io.Writer, status int, proto string, header http.Header, body []byte) error {
	resp := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         proto,
		Header:        header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Header.Del("Transfer-Encoding")
	resp.TransferEncoding = nil
	if proto == "" {
		resp.Proto = "HTTP/1.1"
	}
	resp.ProtoMajor, resp.ProtoMinor = protoVersion(resp.Proto)
	return resp.Write(w)
}

func protoVersion(proto string) (int, int) {
	switch proto {
	case "HTTP/1.0":
		return 1, 0
	default:
		return 1, 1
	}
}

// writeTunnelEstablished sends the canned "200 Connection Established"
// empty-body response that precedes the byte pumps of a CONNECT
// tunnel.
func writeTunnelEstablished(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 200 Connection Established\r\n\r\n")
	return err
}

// writeBadRequest synthesizes the empty-body 400 sent to the client on
// a request parse or upstream framing failure.
func writeBadRequest(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	return err
}
