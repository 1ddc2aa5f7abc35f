// Package question generates round questions together with their answer key.
package question

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/victornm/trivia/internal/domain"
)

// Source produces a question and its answer key for a difficulty level in [1,5].
type Source interface {
	Generate(ctx context.Context, difficulty int) (domain.Question, []int, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, difficulty int) (domain.Question, []int, error)

func (f SourceFunc) Generate(ctx context.Context, difficulty int) (domain.Question, []int, error) {
	return f(ctx, difficulty)
}

//go:embed activities.json
var bank []byte

const (
	options = 3

	comparisonMore = 0
	comparisonLess = 1
	comparisonSame = 2
)

var types = []domain.QuestionType{
	domain.QuestionTypeMultipleChoice,
	domain.QuestionTypeComparison,
	domain.QuestionTypeEquivalence,
	domain.QuestionTypeRangeGuess,
}

// Generator builds questions from a bank of activities sorted by consumption.
// Higher difficulty draws the activities of a question from a narrower consumption band.
type Generator struct {
	activities []domain.Activity
	types      []domain.QuestionType

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(g *Generator)

func WithActivities(as []domain.Activity) Option {
	return func(g *Generator) { g.activities = slices.Clone(as) }
}

func WithTypes(ts ...domain.QuestionType) Option {
	return func(g *Generator) { g.types = ts }
}

func WithSeed(seed uint64) Option {
	return func(g *Generator) { g.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// NewGenerator returns a generator over the embedded activity bank unless WithActivities is given.
func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{
		types: types,
		rnd:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.activities == nil {
		if err := json.Unmarshal(bank, &g.activities); err != nil {
			return nil, fmt.Errorf("question: load activity bank: %w", err)
		}
	}
	if len(g.activities) < options {
		return nil, fmt.Errorf("question: need at least %d activities, have %d", options, len(g.activities))
	}
	if len(g.types) == 0 {
		return nil, fmt.Errorf("question: no question types enabled")
	}

	slices.SortFunc(g.activities, func(a, b domain.Activity) int {
		return cmp.Compare(a.Consumption, b.Consumption)
	})
	return g, nil
}

func (g *Generator) Generate(ctx context.Context, difficulty int) (domain.Question, []int, error) {
	if err := ctx.Err(); err != nil {
		return domain.Question{}, nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.types[g.rnd.IntN(len(g.types))]
	as := g.pick(difficulty)

	switch t {
	case domain.QuestionTypeMultipleChoice:
		return multipleChoice(as)
	case domain.QuestionTypeComparison:
		return comparison(as[0], as[1])
	case domain.QuestionTypeEquivalence:
		return equivalence(as)
	case domain.QuestionTypeRangeGuess:
		return rangeGuess(as[0])
	}

	return domain.Question{}, nil, fmt.Errorf("question: unsupported type %s", t)
}

// pick draws distinct activities from a random window of the sorted bank, in random order.
func (g *Generator) pick(difficulty int) []domain.Activity {
	difficulty = min(max(difficulty, 1), 5)

	window := max(options, len(g.activities)/difficulty)
	start := g.rnd.IntN(len(g.activities) - window + 1)

	idx := g.rnd.Perm(window)[:options]
	out := make([]domain.Activity, 0, options)
	for _, i := range idx {
		out = append(out, g.activities[start+i])
	}
	return out
}

func multipleChoice(as []domain.Activity) (domain.Question, []int, error) {
	q := domain.Question{
		Type:       domain.QuestionTypeMultipleChoice,
		Prompt:     "Which of these activities uses the most energy?",
		Activities: as,
	}

	top := slices.MaxFunc(as, func(a, b domain.Activity) int { return cmp.Compare(a.Consumption, b.Consumption) })
	var key []int
	for i, a := range as {
		q.Options = append(q.Options, a.Title)
		if a.Consumption == top.Consumption {
			key = append(key, i)
		}
	}
	return q, key, nil
}

func comparison(a, b domain.Activity) (domain.Question, []int, error) {
	q := domain.Question{
		Type:       domain.QuestionTypeComparison,
		Prompt:     fmt.Sprintf("Compared to %q, %q uses...", b.Title, a.Title),
		Options:    []string{"more energy", "less energy", "about the same"},
		Activities: []domain.Activity{a, b},
	}

	// Within 10% counts as the same.
	switch {
	case a.Consumption*10 > b.Consumption*11:
		return q, []int{comparisonMore}, nil
	case a.Consumption*10 < b.Consumption*9:
		return q, []int{comparisonLess}, nil
	}
	return q, []int{comparisonSame}, nil
}

func equivalence(as []domain.Activity) (domain.Question, []int, error) {
	target, rest := as[0], as[1:]
	q := domain.Question{
		Type:       domain.QuestionTypeEquivalence,
		Prompt:     fmt.Sprintf("Which activity uses about as much energy as %q?", target.Title),
		Activities: as,
	}

	dist := func(a domain.Activity) int {
		d := a.Consumption - target.Consumption
		if d < 0 {
			return -d
		}
		return d
	}

	best := slices.MinFunc(rest, func(a, b domain.Activity) int { return cmp.Compare(dist(a), dist(b)) })
	var key []int
	for i, a := range rest {
		q.Options = append(q.Options, a.Title)
		if dist(a) == dist(best) {
			key = append(key, i)
		}
	}
	return q, key, nil
}

func rangeGuess(a domain.Activity) (domain.Question, []int, error) {
	return domain.Question{
		Type:       domain.QuestionTypeRangeGuess,
		Prompt:     fmt.Sprintf("How many Wh does %q use?", a.Title),
		Activities: []domain.Activity{a},
	}, []int{a.Consumption}, nil
}
