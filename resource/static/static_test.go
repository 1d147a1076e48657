package static

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResource_Execute(t *testing.T) {
	r := New("basic", "Welcome to Basic tier!")
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	res, err := r.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Content{Tier: "basic", Data: "Welcome to Basic tier!", Timestamp: "2026-03-01T12:00:00Z"}, res.Body)
	assert.Nil(t, res.Usage)
}
