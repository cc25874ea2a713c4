// Package frame drives a pipeline from window input.
//
// Each iteration of a Loop drains the pending input events, maps them to
// actions, runs at most one simulation step, draws and presents. Quit
// (the Escape key or closing the window) stops the loop and tears the
// pipeline down.
//
//	loop := frame.NewLoop(surface, orchestrator)
//	if err := loop.Run(); err != nil {
//		// the pipeline has already been torn down
//	}
package frame
