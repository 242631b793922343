// Package netx holds HTTP transport helpers shared by the API client and
// the connectivity check.
package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// DefaultMaxBody bounds how much of a message body is read.
const DefaultMaxBody = 32 << 20

var ErrBodyTooLarge = errors.New("body too large")

// ReadBody reads r fully, failing with ErrBodyTooLarge past limit bytes.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, limit)
	}
	return b, nil
}

// IsTimeout reports whether err is a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// JoinURL appends path and the encoded query to base. base must not end
// with a slash.
func JoinURL(base, path string, q url.Values) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target
}
