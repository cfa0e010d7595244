// Command steward schedules dependent work items and gates their execution on
// confidence, circuit breakers, and system health.
package main

func main() {
	Execute()
}
