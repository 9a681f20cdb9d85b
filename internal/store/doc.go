// Package store defines the persistence contracts of a dump run: the jobs
// snapshot codec and the run record repository. Implementations of the
// repository live in other packages; this package must not import concrete
// storage clients.
package store
