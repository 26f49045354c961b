// Package worker runs a list of tasks with a fixed number of concurrent slots.
//
// Every slot is a loop that takes the next task index from a shared counter until
// the list is exhausted or the run stops. Results keep the order of the task
// list, independent of completion order.
//
// A run stops taking new tasks when it is cancelled, when its context is done or
// when a task fails. Tasks that are already running always finish, they are not
// interrupted. Wait reports why the run stopped:
//
//   - *CancellationError after Cancel or when the parent context is done
//   - *TaskError for the first failing task
//   - an error of the BeforeStart hook, in which case no task was started
package worker
