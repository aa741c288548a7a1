package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EncodesPayload(t *testing.T) {
	evt, err := New(TopicInstanceStatus, "1101", InstanceStatusPayload{InstanceID: "1101", To: "ready"})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "1101", evt.Key)

	var p InstanceStatusPayload
	require.NoError(t, evt.Decode(&p))
	assert.Equal(t, "ready", p.To)
}

func TestIdempotent_DropsRedelivery(t *testing.T) {
	calls := 0
	h := Idempotent(func(ctx context.Context, evt Event) error {
		calls++
		return nil
	}, time.Minute)

	evt, _ := New(TopicMessageNew, "1101", nil)
	require.NoError(t, h(context.Background(), evt))
	require.NoError(t, h(context.Background(), evt))
	assert.Equal(t, 1, calls)
}

func TestIdempotent_RetriesAfterFailure(t *testing.T) {
	calls := 0
	h := Idempotent(func(ctx context.Context, evt Event) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	}, time.Minute)

	evt, _ := New(TopicMessageNew, "1101", nil)
	assert.Error(t, h(context.Background(), evt))
	assert.NoError(t, h(context.Background(), evt))
	assert.Equal(t, 2, calls)
}
