package poller

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/parsekit/pkg/jobstore"
)

func TestCanTransition(t *testing.T) {
	p, r, c, e := jobstore.StatusPending, jobstore.StatusProcessing, jobstore.StatusCompleted, jobstore.StatusError

	tests := []struct {
		from, to jobstore.Status
		want     bool
	}{
		{p, r, true}, {p, c, true}, {p, e, true}, {p, p, false},
		{r, r, true}, {r, c, true}, {r, e, true}, {r, p, false},
		{c, p, false}, {c, r, false}, {c, c, false}, {c, e, false},
		{e, p, false}, {e, r, false}, {e, c, false}, {e, e, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
