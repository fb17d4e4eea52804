package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	domain, typ, err := Split("the-domain.the-event-name")
	require.NoError(t, err)
	assert.Equal(t, "the-domain", domain)
	assert.Equal(t, "the-event-name", typ)

	for _, name := range []string{"not a proper name", "", ".", "domain.", ".type", "a.b.c"} {
		t.Run(name, func(t *testing.T) {
			_, _, err := Split(name)
			var nerr *NamingError
			require.ErrorAs(t, err, &nerr)
			assert.Equal(t, name, nerr.Name)
			assert.False(t, Valid(name))
		})
	}
}

func TestFor(t *testing.T) {
	tests := []struct {
		name  string
		event string
		group string
		want  Route
	}{
		{
			name:  "listener side",
			event: "users.created",
			group: "mailer",
			want:  Route{Exchange: "users", RoutingKey: "created", Queue: "users.created.mailer"},
		},
		{
			name:  "publish side",
			event: "users.created",
			want:  Route{Exchange: "users", RoutingKey: "created"},
		},
		{
			name:  "dashes and underscores",
			event: "a-domain.an_event",
			group: "some-service",
			want:  Route{Exchange: "a-domain", RoutingKey: "an_event", Queue: "a-domain.an_event.some-service"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := For(tt.event, tt.group)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("rejects names without a separator", func(t *testing.T) {
		_, err := For("nodomain", "group")
		var nerr *NamingError
		assert.ErrorAs(t, err, &nerr)
	})
}

func TestForConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := For("orders.placed", "billing")
			assert.NoError(t, err)
			assert.Equal(t, "orders.placed.billing", r.Queue)
		}()
	}
	wg.Wait()
}
