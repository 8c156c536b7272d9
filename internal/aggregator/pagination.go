package aggregator

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultPageSize is how many tools a paginated list returns.
	DefaultPageSize = 50
	// maxDecodedCursor bounds the decoded cursor length.
	maxDecodedCursor = 1000
)

var cursorClientPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Cursor is a decoded pagination position: the client identity the
// cursor was minted for and an opaque resume marker.
type Cursor struct {
	Client   string
	Upstream string
}

// InvalidCursorError reports a cursor that failed decoding or
// validation. Listing restarts from the beginning when one is seen.
type InvalidCursorError struct {
	Reason string
}

func (e *InvalidCursorError) Error() string {
	return fmt.Sprintf("invalid pagination cursor: %s", e.Reason)
}

// EncodeCursor mints an opaque cursor binding the resume position to
// the requesting client.
func EncodeCursor(client, upstream string) string {
	return base64.StdEncoding.EncodeToString([]byte(client + ":" + upstream))
}

// DecodeCursor unpacks and validates a cursor produced by EncodeCursor.
// The client segment must match the identity the cursor was issued to;
// callers compare it against the current session's client themselves.
func DecodeCursor(encoded string) (Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, &InvalidCursorError{Reason: "not base64"}
	}
	if len(raw) > maxDecodedCursor {
		return Cursor{}, &InvalidCursorError{Reason: "cursor too long"}
	}

	decoded := string(raw)
	sep := strings.Index(decoded, ":")
	if sep < 0 {
		return Cursor{}, &InvalidCursorError{Reason: "missing separator"}
	}

	client := decoded[:sep]
	if !cursorClientPattern.MatchString(client) {
		return Cursor{}, &InvalidCursorError{Reason: "malformed client segment"}
	}

	return Cursor{Client: client, Upstream: decoded[sep+1:]}, nil
}

// Page slices entries into one page of at most size items starting
// after the given marker, returning the page and the next marker. An
// empty next marker means the listing is complete. The marker is the
// key of the last entry on the previous page; an unknown marker
// restarts from the beginning.
func Page(keys []string, after string, size int) (page []string, next string) {
	if size <= 0 {
		size = DefaultPageSize
	}

	start := 0
	if after != "" {
		for i, key := range keys {
			if key == after {
				start = i + 1
				break
			}
		}
	}

	end := start + size
	if end >= len(keys) {
		return keys[start:], ""
	}
	return keys[start:end], keys[end-1]
}
