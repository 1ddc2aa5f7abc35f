// Package score computes the points awarded for one answer. It holds no state.
package score

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/errors"
)

var (
	choiceSpeed   = decimal.NewFromInt(80)
	choiceBase    = decimal.NewFromInt(20)
	exactSpeed    = decimal.NewFromInt(60)
	exactBase     = decimal.NewFromInt(40)
	estimateSpeed = decimal.NewFromInt(90)
	estimateBase  = decimal.NewFromInt(10)
)

// Submission is everything needed to score one answer.
type Submission struct {
	Answer   domain.Answer
	Type     domain.QuestionType
	Expected []int
	// TimeFactor is the fraction of the round's time budget left at submission, 1 means instant.
	TimeFactor float64
	Difficulty int
	// Forced is set when the round timer submitted on the player's behalf.
	Forced bool
}

// Evaluate scores the submission and reports correctness alongside the points.
func Evaluate(s Submission) (domain.Evaluation, error) {
	ev := domain.Evaluation{
		Type:            s.Type,
		ExpectedAnswers: append([]int(nil), s.Expected...),
	}

	switch {
	case s.Type.Choice():
		if sameSet(s.Answer.Selections, s.Expected) {
			ev.Correct = 1
		}
		ev.Points = choicePoints(ev.Correct, timeFactor(s.TimeFactor))

	case s.Type == domain.QuestionTypeRangeGuess:
		if len(s.Expected) != 1 {
			return ev, errors.Internal(fmt.Errorf("range guess expects one answer, key has %d", len(s.Expected)))
		}
		given, err := parseEstimate(s.Answer.Estimate, s.Forced)
		if err != nil {
			return ev, err
		}
		actual := s.Expected[0]
		if given == actual {
			ev.Correct = 1
		}
		ev.Points = estimatePoints(given, actual, s.Difficulty, timeFactor(s.TimeFactor))

	default:
		return ev, errors.UnsupportedQuestionType(s.Type)
	}

	return ev, nil
}

// Points returns only the awarded points of Evaluate.
func Points(s Submission) (int, error) {
	ev, err := Evaluate(s)
	if err != nil {
		return 0, err
	}
	return ev.Points, nil
}

// choicePoints gives 20 points for a correct answer plus up to 80 for speed.
func choicePoints(correct int, tf decimal.Decimal) int {
	c := decimal.NewFromInt(int64(correct))
	return int(choiceSpeed.Mul(c).Mul(tf).Add(choiceBase.Mul(c)).Round(0).IntPart())
}

// estimatePoints scores a numeric guess by its error relative to the actual value.
// An error as large as the actual value (or larger) scores nothing.
func estimatePoints(given, actual, difficulty int, tf decimal.Decimal) int {
	if given == actual {
		return int(exactSpeed.Mul(tf).Round(0).Add(exactBase).IntPart())
	}
	if actual <= 0 {
		return 0
	}

	diff := given - actual
	if diff < 0 {
		diff = -diff
	}
	if diff >= actual {
		return 0
	}

	var (
		a   = decimal.NewFromInt(int64(actual))
		rel = decimal.NewFromInt(int64(diff)).Mul(decimal.NewFromInt(int64(difficulty))).Div(a)
	)

	p := estimateSpeed.Sub(estimateSpeed.Mul(rel).Mul(tf)).
		Add(estimateBase.Sub(estimateBase.Mul(rel))).
		Round(0)
	if p.IsNegative() {
		return 0
	}
	return int(p.IntPart())
}

func parseEstimate(raw string, forced bool) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil {
		return v, nil
	}
	if forced {
		return 0, nil
	}
	return 0, errors.MalformedAnswer("estimate %q is not an integer", raw)
}

func timeFactor(tf float64) decimal.Decimal {
	switch {
	case math.IsNaN(tf), tf < 0:
		tf = 0
	case tf > 1:
		tf = 1
	}
	return decimal.NewFromFloat(tf)
}

func sameSet(got, want []int) bool {
	g := make(map[int]struct{}, len(got))
	for _, v := range got {
		g[v] = struct{}{}
	}
	w := make(map[int]struct{}, len(want))
	for _, v := range want {
		w[v] = struct{}{}
	}
	if len(g) != len(w) {
		return false
	}
	for v := range w {
		if _, ok := g[v]; !ok {
			return false
		}
	}
	return true
}
