package ai

import (
	"context"
	"time"

	"github.com/spec-kit/conversation-service/internal/domain"
)

// TrimPolicy decides when a thread has outgrown its useful context and
// how to carry it into a fresh one. Policies are swappable behind this
// interface; the manager only ever trims between turns.
type TrimPolicy interface {
	ShouldTrim(binding *domain.ThreadBinding, now time.Time) bool
	// Compact produces a replacement thread handle. The old thread is
	// left behind; callers rebind the user to the returned handle.
	Compact(ctx context.Context, assistant Assistant, binding *domain.ThreadBinding) (string, error)
}

type summarizeAndContinue struct {
	maxTurns int
	maxAge   time.Duration
}

// NewSummarizeAndContinue trims once a thread has seen maxTurns turns or
// its handle is older than maxAge, whichever comes first. A zero value
// disables that limit.
func NewSummarizeAndContinue(maxTurns int, maxAge time.Duration) TrimPolicy {
	return &summarizeAndContinue{maxTurns: maxTurns, maxAge: maxAge}
}

func (p *summarizeAndContinue) ShouldTrim(binding *domain.ThreadBinding, now time.Time) bool {
	if p.maxTurns > 0 && binding.TurnCount >= p.maxTurns {
		return true
	}
	if p.maxAge > 0 && now.Sub(binding.CreatedAt) >= p.maxAge {
		return true
	}
	return false
}

func (p *summarizeAndContinue) Compact(ctx context.Context, assistant Assistant, binding *domain.ThreadBinding) (string, error) {
	summary, err := assistant.Summarize(ctx, binding.ThreadHandle)
	if err != nil {
		return "", err
	}
	handle, err := assistant.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	if summary != "" {
		if err := assistant.AddContext(ctx, handle, "Context carried over from the earlier conversation:\n"+summary); err != nil {
			return "", err
		}
	}
	return handle, nil
}
