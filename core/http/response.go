package http

import "strconv"

// AppendResponse appends a minimal HTTP/1.1 response to dst. A
// Content-Length header is always written; keepAlive=false adds
// "Connection: close".
func AppendResponse(dst []byte, code int, contentType string, body []byte, keepAlive bool) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	if contentType != "" {
		dst = append(dst, "\r\nContent-Type: "...)
		dst = append(dst, contentType...)
	}
	dst = append(dst, "\r\nContent-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	if !keepAlive {
		dst = append(dst, "\r\nConnection: close"...)
	}
	dst = append(dst, "\r\n\r\n"...)
	return append(dst, body...)
}

// StatusCode extracts the status code from a serialized response's status
// line ("HTTP/1.1 404 ..."). It returns 0 when resp does not start with one.
func StatusCode(resp []byte) int {
	// "HTTP/x.y NNN"
	if len(resp) < 12 || string(resp[:5]) != "HTTP/" || resp[8] != ' ' {
		return 0
	}
	code := 0
	for _, c := range resp[9:12] {
		if !isDigit(c) {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	if len(resp) > 12 && resp[12] != ' ' && resp[12] != '\r' {
		return 0
	}
	return code
}

// StatusText returns the HTTP status text for the given code
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
