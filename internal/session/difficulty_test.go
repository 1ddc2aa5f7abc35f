package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/trivia/internal/session"
)

func TestDifficulty(t *testing.T) {
	for counter, want := range map[int]int{
		-3: 1,
		0:  1,
		3:  1,
		4:  2,
		8:  3,
		12: 4,
		16: 5,
		19: 5,
		20: 1,
		37: 5,
	} {
		assert.Equal(t, want, session.Difficulty(counter), "counter %d", counter)
	}

	for n := 0; n < 200; n++ {
		assert.Equal(t, session.Difficulty(n), session.Difficulty(n+20), "difficulty should cycle every 20 rounds, n=%d", n)
	}
}
