// Package capture runs CPU profile captures against a target process.
//
// A capture is driven by a Sequencer that walks an ordered list of
// Candidates. Each candidate names a Backend: the tool backend supervises an
// external profiling CLI, the session backend streams a runtime profiling
// session into a file on a dedicated worker and converts it to speedscope
// JSON. Progress (status ticks and backend output) is pushed through a
// Reporter while the attempt is in flight.
package capture
