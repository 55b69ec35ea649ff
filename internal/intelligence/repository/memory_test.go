package repository

import (
	"testing"
)

func TestMemoryStore(t *testing.T) {
	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newClock()
			tc.run(t, NewMemoryStore(clock.Now), clock)
		})
	}
}
