package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrAuthenticationRequired, ReasonAuthenticationRequired},
		{fmt.Errorf("%w: conversation x", ErrNotFound), ReasonNotFound},
		{fmt.Errorf("%w: channel", ErrPermissionDenied), ReasonPermissionDenied},
		{fmt.Errorf("%w: direct chat", ErrBlocked), ReasonBlocked},
		{encryptionFailure(errors.New("bad key")), ReasonEncryptionFailure},
		{writeFailure("a/b", errors.New("disk full")), ReasonStoreWriteFailure},
		{fmt.Errorf("%w: feed", ErrSubscriptionFailure), ReasonSubscriptionFailure},
		{fmt.Errorf("%w: empty", ErrInvalidArgument), ReasonInvalidArgument},
		{errors.New("boom"), ReasonInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err), "%v", tt.err)
	}
}

func TestDirectConversationIDIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectConversationID("a", "b"), DirectConversationID("b", "a"))
	assert.NotEqual(t, DirectConversationID("a", "b"), DirectConversationID("a", "c"))
	assert.Regexp(t, `^dm_[0-9a-f]{32}$`, DirectConversationID("a", "b"))
}
