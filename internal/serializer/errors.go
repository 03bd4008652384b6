package serializer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedShape marks a payload the negotiated encoder cannot
// represent, such as a 2-D array as plain text. Handlers translate it to
// 406 with guidance to slice the data down.
var ErrUnsupportedShape = errors.New("data shape not representable in the requested format")

// NegotiationError reports that no registered encoder satisfies the
// request. Handlers translate it to 406.
type NegotiationError struct {
	Requested string
	Supported []string
}

func (e *NegotiationError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("no acceptable media type; supported: %s", strings.Join(e.Supported, ", "))
	}
	return fmt.Sprintf("media type %q is not supported here; supported: %s", e.Requested, strings.Join(e.Supported, ", "))
}
