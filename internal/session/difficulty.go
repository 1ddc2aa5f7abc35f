package session

const (
	roundsPerLevel = 4
	levels         = 5
)

// Difficulty maps the number of rounds played to a level in [1,5]. Levels last 4 rounds and
// wrap back to 1 after level 5, so the cycle repeats every 20 rounds.
func Difficulty(counter int) int {
	if counter < 0 {
		return 1
	}
	return (counter/roundsPerLevel)%levels + 1
}
