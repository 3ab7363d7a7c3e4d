package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownManager_ReverseOrderAndErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, 0)

	var order []string
	sm.Register("database", func(context.Context) error {
		order = append(order, "database")
		return nil
	})
	sm.Register("redis", func(context.Context) error {
		order = append(order, "redis")
		return errors.New("already closed")
	})

	err := sm.Shutdown(context.Background())
	assert.Equal(t, []string{"redis", "database"}, order)
	assert.ErrorContains(t, err, "redis: already closed")
}
