package chat

import (
	"crypto/rand"
	"io"
	"strconv"
	"time"
)

const (
	base36Alphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
	messageIDSuffixLen = 9
	unbiasedByteLimit  = 252
)

// newMessageID returns msg_<unix millis>_<9 random base36 chars>.
//
// Uniqueness is probabilistic: two senders in the same millisecond collide
// with probability 36^-9. Ordering must use the stored timestamp, not the id.
func newMessageID(now time.Time, random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}

	suffix := make([]byte, 0, messageIDSuffixLen)
	buf := make([]byte, messageIDSuffixLen)
	for len(suffix) < messageIDSuffixLen {
		if _, err := io.ReadFull(random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// Bytes past the last whole multiple of 36 would favour the first digits.
			if b >= unbiasedByteLimit || len(suffix) == messageIDSuffixLen {
				continue
			}
			suffix = append(suffix, base36Alphabet[int(b)%len(base36Alphabet)])
		}
	}

	return "msg_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix), nil
}
