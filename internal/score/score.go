// Package score holds the pure answer-scoring policies. Nothing here touches
// session state, so policies can be swapped without changing the coordinator.
package score

import "quizpulse/internal/domain"

// Scorer turns (question, response) into a point value.
type Scorer interface {
	Score(question domain.Question, response domain.Response) int
}

// Base awards the question's full point value for a correct option submitted
// within the time limit, and zero otherwise.
type Base struct{}

func (Base) Score(question domain.Question, response domain.Response) int {
	if !withinLimit(question, response) {
		return 0
	}
	if !correct(question, response) {
		return 0
	}
	return question.PointValue()
}

// TimeBonus scales the award by the remaining-time fraction: a correct answer
// at t=0 earns full points, one at the limit earns half.
type TimeBonus struct{}

func (TimeBonus) Score(question domain.Question, response domain.Response) int {
	if !withinLimit(question, response) {
		return 0
	}
	if !correct(question, response) {
		return 0
	}
	limit := question.TimeLimit()
	remaining := limit - response.Elapsed
	points := question.PointValue()
	// Half the points are guaranteed, the other half decays linearly.
	bonus := int(float64(points) / 2 * float64(remaining) / float64(limit))
	return points/2 + bonus
}

func withinLimit(question domain.Question, response domain.Response) bool {
	return response.Elapsed >= 0 && response.Elapsed <= question.TimeLimit()
}

func correct(question domain.Question, response domain.Response) bool {
	if response.OptionIdx < 0 || response.OptionIdx >= len(question.Options) {
		return false
	}
	return question.Options[response.OptionIdx].Correct
}
