// Package diagnostics provides pubsub.Diagnostics sinks backed by zerolog
// and Prometheus, and a fan-out to combine them.
//
//	metrics, err := diagnostics.NewMetrics(prometheus.DefaultRegisterer)
//	...
//	broker, err := pubsub.New(transport, pubsub.WithDiagnostics(
//		diagnostics.Multi{diagnostics.NewZerolog(logger), metrics},
//	))
package diagnostics
