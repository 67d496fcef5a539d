// Package batch drives a list of municipalities through a forecast fetcher and
// partitions them into succeeded and failed.
//
// Each entity gets up to Config.Attempts fetches. This outer loop wraps the
// fetcher's own retry policy, so with the defaults one municipality can cost
// up to nine metadata attempts before it is given up. A failed entity never
// stops the batch; only context cancellation does, in which case Run returns
// what it has so far together with the context error.
//
// Example usage:
//
//	runner := batch.NewRunner(aemetClient, batch.DefaultConfig(), logger)
//	result, err := runner.Run(ctx, entities)
//	for _, e := range result.Failed {
//		fmt.Printf("%s (%s)\n", e.ID, e.Name)
//	}
//
// ParallelRunner splits the list into contiguous shards, one fetcher per
// shard over a shared key pool, and merges the shard results in input order.
package batch
