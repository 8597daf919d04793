package tools

import (
	"context"
	"fmt"
	"sort"

	"mailflow/core/domain"
	"mailflow/pkg/logger"
)

// Registry maps the closed set of action functions to executors.
type Registry struct {
	deps       Dependencies
	executors  map[domain.ActionFunction]Executor
	categories map[domain.ActionFunction]ToolCategory
}

// NewRegistry wires every domain.ActionFunction to its executor.
func NewRegistry(deps Dependencies) *Registry {
	r := &Registry{deps: deps}

	r.executors = map[domain.ActionFunction]Executor{
		domain.ActionDraftReply:   ExecutorFunc(r.draftReply),
		domain.ActionSendReply:    ExecutorFunc(r.sendReply),
		domain.ActionForwardEmail: ExecutorFunc(r.forwardEmail),
		domain.ActionArchiveEmail: ExecutorFunc(r.archiveEmail),
		domain.ActionMarkAsSpam:   ExecutorFunc(r.markAsSpam),
		domain.ActionDeleteEmail:  ExecutorFunc(r.deleteEmail),
		domain.ActionAddLabel:     ExecutorFunc(r.addLabel),
		domain.ActionRemoveLabel:  ExecutorFunc(r.removeLabel),
		domain.ActionCreateTask:   ExecutorFunc(r.createTask),
		domain.ActionCreateJob:    ExecutorFunc(r.createJob),
		domain.ActionNotify:       ExecutorFunc(r.notify),
		domain.ActionSchedule:     ExecutorFunc(r.schedule),
	}
	r.categories = map[domain.ActionFunction]ToolCategory{
		domain.ActionDraftReply:   CategoryEmail,
		domain.ActionSendReply:    CategoryEmail,
		domain.ActionForwardEmail: CategoryEmail,
		domain.ActionArchiveEmail: CategoryEmail,
		domain.ActionMarkAsSpam:   CategoryEmail,
		domain.ActionDeleteEmail:  CategoryEmail,
		domain.ActionAddLabel:     CategoryLabel,
		domain.ActionRemoveLabel:  CategoryLabel,
		domain.ActionCreateTask:   CategoryTask,
		domain.ActionCreateJob:    CategoryTask,
		domain.ActionNotify:       CategoryTask,
		domain.ActionSchedule:     CategoryTask,
	}
	return r
}

// SetTrigger installs the re-entry hook used by add_label.
func (r *Registry) SetTrigger(t LabelTrigger) {
	r.deps.Trigger = t
}

// Has reports whether fn has an executor.
func (r *Registry) Has(fn domain.ActionFunction) bool {
	_, ok := r.executors[fn]
	return ok
}

// Category returns the category of fn, empty when unknown.
func (r *Registry) Category(fn domain.ActionFunction) ToolCategory {
	return r.categories[fn]
}

// Functions lists the registered functions in sorted order.
func (r *Registry) Functions() []domain.ActionFunction {
	fns := make([]domain.ActionFunction, 0, len(r.executors))
	for fn := range r.executors {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i] < fns[j] })
	return fns
}

// Execute runs the executor of req.Action.Function. Executors never return
// errors; failures and panics are reported as a failed Result.
func (r *Registry) Execute(ctx context.Context, req *Request) (res *Result) {
	if req == nil || req.Action == nil {
		return failure("no action given")
	}
	fn := req.Action.Function

	exec, ok := r.executors[fn]
	if !ok {
		return failure(fmt.Errorf("%w: %s", domain.ErrUnknownAction, fn).Error())
	}
	if req.Message == nil || req.Account == nil {
		return failure("message and account are required")
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("[Registry.Execute] action=%s message=%d panic: %v", fn, req.Message.ID, p)
			res = failure(fmt.Sprintf("%s failed: %v", fn, p))
		}
	}()

	res = exec.Execute(ctx, req)
	if res == nil {
		res = failure(fmt.Sprintf("%s returned no result", fn))
	}
	return res
}
