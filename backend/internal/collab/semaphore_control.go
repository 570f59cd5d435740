package collab

import (
	"context"
	"errors"
)

// SemaphoreControl 有界并发闸门：限制同时在途的提交/发送数量。
type SemaphoreControl struct {
	ch chan struct{}
}

var ErrSemaphoreNotHeld = errors.New("semaphore not acquired")

func NewSemaphoreControl(limit int) *SemaphoreControl {
	if limit <= 0 {
		limit = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, limit)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}
