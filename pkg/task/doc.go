// Package task defines the data model of the orchestrator: immutable task
// specifications, the instance trees that realize them, and the tree
// algorithms both rely on.
//
// A Spec describes a task, its preconditions, the action to perform once it
// is eligible and its sub-task tree. Specs are built once, either with the
// fluent Builder or by loading definition files, and are never modified.
//
//	etl := task.NewSpec("ETL").
//		Attribute("cobDate", task.AsArgument()).
//		Requires("PRICES").
//		RouteTo("etl-worker")
//	root := task.NewSpec("EOD").Attribute("cobDate", task.AsArgument()).Sub(etl).MustBuild()
//
// An Instance mirrors a subset of a spec tree. Only the children relevant to
// the events seen so far are instantiated, so an instance tree may be
// structurally incomplete. Instances are plain values; every mutation
// returns a new tree, which keeps a failed save safe to retry with the same
// computed tree.
//
// Instance ids are derived from the spec id followed by the values of the
// task argument attributes in declared order, for example "EOD-20160101".
package task
