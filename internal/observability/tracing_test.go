package observability

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpanWithoutProviderIsNoOp(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-op", RoomAttr("r1"), BotAttr("leader"))
	if ctx == nil {
		t.Fatal("context must not be nil")
	}
	// Without an installed provider this is a no-op span; ending with an
	// error must still be safe.
	EndSpan(span, errors.New("boom"))
	EndSpan(span, nil)
}
