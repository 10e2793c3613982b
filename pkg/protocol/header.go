package protocol

import (
	"regexp"
	"strconv"
)

const (
	// HeaderTerminator separates the header block from the payload.
	HeaderTerminator = "\r\n\r\n"

	// MaxHeaderSize bounds how many bytes may accumulate without a terminator.
	MaxHeaderSize = 4096

	// MaxFrameSize bounds the declared payload length (16 MiB).
	MaxFrameSize = 16 << 20

	// MaxPacketSize is the default cap on a single physical write, modelling
	// a bandwidth-limited link.
	MaxPacketSize = 64
)

// contentLengthRe matches a whole Content-Length line of the header block.
var contentLengthRe = regexp.MustCompile(`(?im)^content-length:[ \t]*(\d+)[ \t]*\r?$`)

// FormatHeader returns the header block for a payload of n bytes.
func FormatHeader(n int) []byte {
	return []byte("Content-Length: " + strconv.Itoa(n) + HeaderTerminator)
}

// ParseContentLength extracts the declared payload length from a header
// block (terminator excluded).
func ParseContentLength(header []byte) (int, error) {
	m := contentLengthRe.FindSubmatch(header)
	if m == nil {
		return 0, &FramingError{Header: string(header), Reason: "Content-Length header not found"}
	}

	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, &FramingError{Header: string(header), Reason: "unparsable Content-Length"}
	}

	if n > MaxFrameSize {
		return 0, &FramingError{Header: string(header), Reason: ErrFrameTooLarge.Error()}
	}

	return n, nil
}
