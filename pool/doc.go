// Package pool manages the bounded set of isolated worker containers that
// agent tasks execute in.
//
// The pool owns every ContainerRecord exclusively; other components reference
// workers by id only. It hands out workers (acquire), takes them back
// (release, into a dormant holding state), proactively creates them ahead of
// parallel lanes (prewarm), reaps workers dormant past the configured
// timeout, and guarantees every worker is reclaimed on teardown no matter how
// many shutdown paths race.
package pool
