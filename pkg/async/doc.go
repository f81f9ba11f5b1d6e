// Package async runs background loops with panic recovery and logging.
//
// Long lived tasks such as the retention template watcher and the purge
// scheduler are started through Group so that a panic in one of them is
// logged instead of crashing the process, and so that shutdown can wait
// for all of them to return:
//
//	g := async.NewGroup(ctx, log)
//	g.Go("template watcher", watcher.Run)
//	...
//	cancel()
//	err := g.Wait()
package async
