package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/application/command"
)

type fakeDispatcher struct{ calls int }

func (d *fakeDispatcher) Handle(context.Context, command.DispatchRemindersCommand) (*command.DispatchRemindersResult, error) {
	d.calls++
	return &command.DispatchRemindersResult{}, nil
}

type scriptedProcessor struct {
	batches []int
	err     error
	calls   int
}

func (p *scriptedProcessor) Handle(context.Context) (*command.ProcessTasksResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.batches) == 0 {
		return &command.ProcessTasksResult{}, nil
	}
	n := p.batches[0]
	p.batches = p.batches[1:]
	return &command.ProcessTasksResult{Leased: n, Succeeded: n}, nil
}

func TestDispatchRemindersJob_FeatureToggle(t *testing.T) {
	d := &fakeDispatcher{}
	enabled := false
	job := NewDispatchRemindersJob(d, func() bool { return enabled }, nil)

	require.NoError(t, job.Run(context.Background()))
	assert.Zero(t, d.calls)

	enabled = true
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, d.calls)
}

func TestProcessAnalysisTasksJob_DrainsUntilEmpty(t *testing.T) {
	p := &scriptedProcessor{batches: []int{10, 10, 3}}
	job := NewProcessAnalysisTasksJob(p, 10, nil)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 4, p.calls)
}

func TestProcessAnalysisTasksJob_StopsAtMaxRounds(t *testing.T) {
	p := &scriptedProcessor{batches: []int{1, 1, 1, 1, 1}}
	job := NewProcessAnalysisTasksJob(p, 2, nil)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 2, p.calls)
}

func TestProcessAnalysisTasksJob_PropagatesLeaseError(t *testing.T) {
	job := NewProcessAnalysisTasksJob(&scriptedProcessor{err: errors.New("db down")}, 3, nil)
	assert.Error(t, job.Run(context.Background()))
}
