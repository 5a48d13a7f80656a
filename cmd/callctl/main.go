// Command callctl inspects stored call reports: cost and latency summaries,
// compliance KPIs, report retrieval and batch re-evaluation.
package main

func main() {
	Execute()
}
