package service

import (
	"context"

	"cpjudge/internal/judge/model"
)

// ContestFilter narrows a contest solutions query. Zero values mean "no
// filter" for the id fields; Limit must be positive.
type ContestFilter struct {
	UserID    string
	ProblemID string
	Offset    int
	Limit     int
}

// ContestSolutions returns solutions submitted by contest participants on
// contest tasks, oldest first. Filters outside the contest roster
// short-circuit to an empty result without touching the database.
func (s *Service) ContestSolutions(ctx context.Context, contestID string, filter ContestFilter) ([]*model.Solution, error) {
	tasks, err := s.content.ContestTasks(ctx, contestID)
	if err != nil {
		return nil, err
	}
	participants, err := s.content.ContestParticipants(ctx, contestID)
	if err != nil {
		return nil, err
	}

	if filter.ProblemID != "" {
		if !contains(tasks, filter.ProblemID) {
			return []*model.Solution{}, nil
		}
		tasks = []string{filter.ProblemID}
	}
	if filter.UserID != "" {
		if !contains(participants, filter.UserID) {
			return []*model.Solution{}, nil
		}
		participants = []string{filter.UserID}
	}
	if len(tasks) == 0 || len(participants) == 0 {
		return []*model.Solution{}, nil
	}

	return s.repo.ListByContest(ctx, tasks, participants, filter.Offset, filter.Limit)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
