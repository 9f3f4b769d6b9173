// Package maintenance keeps the data file compact.
//
// Every run checkpoints the write-ahead log. On the configured weekday the
// run also vacuums and optimizes the file, and with a Sweeper attached it
// marks expired sessions inactive. A failing task is logged and reported;
// it never stops the schedule.
package maintenance
