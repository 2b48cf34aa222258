// Package proc tracks the child processes of the shell and the jobs
// (process groups) they belong to.
//
// A Manager owns two tables: processes running in the shell's own process
// group, and jobs, each holding the processes forked into one job scope.
// Fork records new children; Wait blocks in wait4 until a target settles,
// reaps the result into the tables and turns it into a status value.
//
// A Manager is not safe for concurrent use. The evaluator drives it from a
// single goroutine; signals reach it only through the Interrupter's wake
// channel and the SIGCHLD notification channel, and state is only ever
// mutated after wait4 returns.
//
// Job control relies on POSIX process groups. When the host's wait4 cannot
// select by process group, WaiterDegraded waits for any child and filters
// the results itself.
package proc
