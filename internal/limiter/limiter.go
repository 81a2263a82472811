// Package limiter bounds how many aggregation queries run at once.
package limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work producing a value.
type Task[T any] func(ctx context.Context) (T, error)

// Result captures the outcome of a single task.
type Result[T any] struct {
	Value T
	Err   error
}

// Run executes tasks with at most limit in flight and returns their values in
// input order. A failing task does not cancel its siblings; once every task
// has settled the first error (in input order) is returned.
func Run[T any](ctx context.Context, limit int, tasks []Task[T]) ([]T, error) {
	settled := RunSettled(ctx, limit, tasks)
	values := make([]T, len(settled))
	for i, res := range settled {
		if res.Err != nil {
			return values, res.Err
		}
		values[i] = res.Value
	}
	return values, nil
}

// RunSettled executes tasks with at most limit in flight and reports every
// outcome in input order.
func RunSettled[T any](ctx context.Context, limit int, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = invoke(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func invoke[T any](ctx context.Context, task Task[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("limiter: task panicked: %v", r)
		}
	}()
	if task == nil {
		res.Err = fmt.Errorf("limiter: nil task")
		return res
	}
	res.Value, res.Err = task(ctx)
	return res
}
